// Package vm implements the cinder virtual machine.
//
// This package contains:
//   - Tagged 32-bit value representation
//   - Tracked allocator with a byte ceiling and abort-to-entry-point failure
//   - String and object tables with stable slot IDs
//   - Stack-based bytecode interpreter and coroutine contexts
//   - Mark-and-sweep collector and table compaction
//   - Binary snapshots of the complete machine state
//
// Hosts extend a machine with natives (RegisterNative), external types
// (RegisterExternalType) and subsystems (AttachSubsystem). Their Serialize
// callbacks receive a SnapshotIO that runs in both directions; Uint32,
// String, Bytes and Value cover plain fields, and CBOR encodes any Go value
// in canonical form:
//
//	func serializePoint(s *vm.SnapshotIO, _ vm.ObjectID, data any) (any, error) {
//		var p point
//		if !s.Loading() {
//			p = *data.(*point)
//		}
//		s.CBOR(&p)
//		return &p, s.Err()
//	}
//
// A machine is not safe for concurrent use. Natives may re-enter it through
// Call, but Snapshot, LoadSnapshot and Shrink are refused until the native
// returns.
package vm
