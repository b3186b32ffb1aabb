// Package protocol implements Bonawitz-style secure aggregation: a coordinator
// learns the sum of many participants' vectors without learning any single one,
// and still completes the round when some participants drop out.
//
// # Session Setup
//
//  1. Each Participant generates an Ed25519 identity and an X25519 key pair and
//     sends a Signed[RegisterClient] to the coordinator.
//  2. The Registry seals a Roster: membership, Shamir share indices (1..n, by
//     sorted id) and the threshold t = ceil(n * ThresholdFraction).
//  3. Every participant checks the roster with SetRoster.
//
// # Rounds
//
// Coordinator.RunRound drives the state machine
//
//	ADVERTISING -> COLLECTING -> (AWAITING_UNMASK -> RECONSTRUCTING) -> AGGREGATING -> DONE | ABORTED
//
// A round opens with a fresh X25519 mask key per participant. Each participant
// splits the private half t-of-n, authenticates each share under a key it shares
// only with the coordinator, encrypts each share to its recipient under their
// long-term pairwise key, and returns the packages with its MaskKeyAdvert. The
// coordinator forwards each recipient's packages with its UpdateRequest without
// being able to read them. Participants that advertise form the round's mask
// set; those that do not are missing without needing any reconstruction.
//
// Collection fans out one request per approved participant through a bounded
// worker pool. Calls are retried with exponential backoff and jitter; a
// participant that exhausts its retries has its blacklist score increased and is
// disabled for later rounds once the score reaches BlacklistThreshold.
//
// Every response goes through the Receiver: HMAC check, atomic sequence advance,
// decode, process. Sequence numbers are counted per registration stream,
// persisted before processing and never rolled back.
//
// Each participant A encodes its values as fixed-point field elements and, for
// every other member B of the mask set, adds (A < B) or subtracts (A > B) the
// mask expanded from the seed their round keys agree on. The masks cancel in the
// sum. When B drops out, the survivors return their shares of B's round key;
// with at least t of them the coordinator reconstructs it, recomputes every mask
// between B and the survivors and strips them from the sum. The recovered key is
// worthless in any other round. A dropped participant with fewer than t
// shares stays in the Missing list and its masks remain in the sum.
//
// A round reports an Outcome: either a RoundResult or a ProtocolAbortError with a
// machine-readable AbortReason. A round whose audit entry cannot be durably
// written is aborted.
package protocol
