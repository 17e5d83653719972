// Package convmem is a pluggable conversation memory.
//
// Dialogue turns are stored as entries in one of two backends, a
// PostgreSQL table or an embedded document store, and retrieved by
// case-insensitive substring match within a session. The active backend
// is chosen from configuration on first use and can be replaced at
// runtime with MemorySwitch; entries are not migrated between backends.
//
// Basic usage:
//
//	mem, err := convmem.New(convmem.WithConfig(cfg))
//	if err != nil {
//		return err
//	}
//	defer mem.Close()
//
//	resp, err := mem.MemorySave(ctx, convmem.SaveRequest{
//		SessionID: "s1",
//		Turn:      1,
//		User:      "hello",
//		Assistant: "hi there",
//	})
package convmem
