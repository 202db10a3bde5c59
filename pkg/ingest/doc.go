// Package ingest streams records into a Capture schema through a bounded
// concurrent pipeline and hands back one outcome per record, in input order.
//
// The pipeline has three stages connected by channels:
//
//	records ─▶ Assembler ─▶ queue (2×concurrency) ─▶ workers ─▶ results ─▶ Reassembler ─▶ caller
//
// The Assembler cuts the input into contiguous batches. When no batch size
// is configured it is derived once from the serialized size of the first
// record and kept for the whole run. A full queue blocks the Assembler, so
// at most 3×concurrency batches are ever held in memory.
//
// A fixed pool of workers submits each batch with one entity.bulkCreate
// call. Batches complete in any order; the Reassembler buffers early
// results and releases outcomes strictly by input position.
//
// The first failed submission aborts the run: the run context is
// cancelled (in-flight calls are cancelled with it), queued batches are
// dropped unsent and the outcome sequence ends with an *AbortError.
// Outcomes already delivered stay valid; what happened to records of
// batches in flight at that moment is unknown.
//
// Example usage:
//
//	cfg := ingest.DefaultConfig("user")
//	cfg.Concurrency = 4
//	for outcome, err := range ingest.Run(ctx, client, records, cfg, logger) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(outcome.ID, outcome.UUID)
//	}
package ingest
