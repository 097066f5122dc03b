// Package audiocore holds the streaming primitives between an audio source
// and feature extraction.
//
// # Data flow
//
//	Source.ReadBlock -> Sanitize -> WindowBuffer.Write -> FrameQueue.Put
//	                                                          |
//	                           FrameQueue.Get <- processing goroutine
//
// WindowBuffer turns an unbounded sample stream into overlapping AudioFrames
// of exactly window samples, one every hop samples once the first window has
// filled. FrameQueue is the single hand-off point between the capture and
// processing goroutines. It never blocks the producer: when full it drops a
// frame according to its DropPolicy and counts the drop.
//
// # Concurrency
//
// FrameQueue is safe for concurrent use; Get waits on a notification channel
// rather than polling, so it works under testing/synctest. WindowBuffer is
// guarded by a mutex but is expected to have a single writer.
//
// Frames handed out by WindowBuffer own their sample slice. Nothing in this
// package retains or mutates a frame after emitting it.
package audiocore
