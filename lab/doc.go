// Package lab implements small interactive teaching targets that
// speak a text protocol over a connection:
//
//   - notes: a note keeper with an off-by-two heap overflow
//   - lava: a stack buffer overflow through a simulated return address
//   - heartbeat: an over-read of a stack frame holding a secret
//
// Each connection gets its own Session and its own simulated memory.
// A session ends after Config.Alarm, like a CTF service that calls
// alarm(2) when it starts.
package lab
