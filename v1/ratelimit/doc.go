// Package ratelimit provides distributed admission control on top of the
// coordination store. Three algorithms share the Limiter interface:
//
//   - FixedWindow counts requests in a counter that expires with the window.
//     A burst straddling a window boundary can admit up to twice the limit in
//     a short interval. This is the known cost of the algorithm.
//   - SlidingWindow keeps a log of request timestamps in a sorted set and is
//     exact, at the price of storing one entry per admitted request.
//   - TokenBucket keeps {tokens, last_refill} per identifier. The bucket holds
//     up to limit tokens and regains the configured refill rate once per
//     elapsed window.
//
// Every check runs as a single Lua script so concurrent callers on different
// hosts observe one consistent sequence. The current time is supplied by the
// caller in milliseconds.
//
// A denial is reported as Result.Allowed == false. Errors are returned only
// for invalid arguments or when the store cannot be reached; the caller decides
// whether to fail open or closed.
package ratelimit
