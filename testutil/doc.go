/*
Package testutil provides testing utilities for the secagg protocol implementation.

It contains fixture generators used by the service and command tests so that
test bodies can focus on protocol behavior rather than on building inputs.

# Key Components

## Configuration Generators

	// fast timeouts and retries
	config := testutil.NewTestConfig()

	// customized with options
	config := testutil.NewTestConfig(
	    testutil.WithThresholdFraction(0.6),
	    testutil.WithExpander(crypto.ExpanderBlake3),
	)

## Participant Fixtures

	participants, _ := testutil.NewTestParticipants(5, schema, coordPub, config)

## Contribution Generators

Contributions are deterministic in (participant id, round), so the expected
aggregate can be recomputed after the fact:

	contribution := testutil.ContributionFunc(schema, 10)
	want := testutil.ExpectedSum(schema, result.Received, result.RoundID, 10)

This package is intended for testing purposes only and should not be used in
production code.
*/
package testutil
