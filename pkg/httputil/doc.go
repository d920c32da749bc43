// Package httputil holds the JSON response helpers, request decoding and
// middleware shared by the backoffice HTTP handlers.
//
// Error bodies always have the same shape:
//
//	{"error": "cannot remove the only owner - assign a new owner first", "reason": "..."}
//
// Reason is only set for authorization denials and carries the safe reason
// produced by the decision engine.
//
// Middleware is composed with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.CORSMiddleware(origins),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
