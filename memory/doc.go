// Package memory stores free text as vectors and finds it again by similarity.
//
// Architecture:
//   - Embedder: text-to-vector conversion (ONNX model in process, or the embedding service)
//   - Store: one named vector collection (Qdrant over gRPC, or chromem-go embedded)
//   - Manager: embeds and stores messages, embeds queries and searches
//
// Every record carries the owner uid, the raw message and its creation time.
// Records are immutable; the only deletion is dropping the whole collection.
//
// A vector whose size conflicts with the collection is configuration drift.
// Once the Manager sees one it refuses further writes until the collection is
// reset with Forget.
package memory
