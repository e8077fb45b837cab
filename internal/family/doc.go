// Package family persists token-family records and the token-id index in
// Redis. The advance and invalidate paths are Lua scripts so that concurrent
// rotations on the same family serialize inside Redis instead of racing in
// application code.
package family
