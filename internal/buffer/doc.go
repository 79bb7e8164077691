// Package buffer provides per-thread event buffers and the manager that
// owns them for one tracing session.
//
// # Buffer
//
// Buffer is a fixed-capacity byte arena. Encoded event instances are packed
// back to back; a write either fits completely or fails with ErrBufferFull:
//
//	b := buffer.NewBuffer(64 * 1024)
//	if err := b.Acquire(tid); err != nil {
//	    return err
//	}
//	if err := b.Write(tid, &inst); errors.Is(err, errors.ErrBufferFull) {
//	    // retire b and continue in a new buffer
//	}
//
// # Buffer Lifecycle
//
// 1. Free: the buffer sits in the manager's free list.
//
// 2. Writable: Acquire hands the buffer to exactly one thread. Writes by any
// other thread fail with ErrNotOwner.
//
// 3. Retired: the buffer is full, flushed or its thread exited. It waits in
// the retired FIFO until the serializer takes it.
//
// 4. Free again: the serializer calls Release, which resets the buffer and
// either recycles it or frees its memory if the cap shrank.
//
// # Manager
//
// Manager maps threads to their current buffer and enforces the memory cap:
//
//	m := buffer.NewManager(buffer.ManagerConfig{
//	    BufferSize: 64 * 1024,
//	    MaxMemory:  16 * 1024 * 1024,
//	    Policy:     buffer.PolicyDropNewest,
//	})
//	err := m.Write(tid, &inst) // nil, or a capacity error when dropped
//
//	for range m.Ready() {
//	    for _, b := range m.TakeRetired() {
//	        serialize(b)
//	        m.Release(b)
//	    }
//	}
//
// # Thread Safety
//
//   - Write and GetOrCreate lock only the calling thread's slot, plus the
//     manager mutex when a buffer must be allocated or retired
//   - FlushAll locks each slot in turn, so no buffer is retired twice and
//     no concurrent write is lost
//   - TakeRetired, Release and SetCap lock only the manager mutex
//
// # Memory Cap
//
// Allocated bytes never exceed the cap in force when the allocation
// happens. When the cap is exhausted the Policy decides: PolicyDropNewest
// (alias "circular") drops the new event, PolicyRetireOldest reuses the
// thread's oldest unserialized buffer and counts its events as dropped.
package buffer
