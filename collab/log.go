package collab

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - reconnect scheduling and terminal reconnect failure
//     - persistence failures (the in-memory queue remains the source of truth)
//     - abnormal exits from read/write pumps
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (glog.V):
//     key events for trace debugging and statistics
//     this includes:
//     - frame send/receive per message tag
//     - per-operation drain results
