// Package ghost models the Ghostlight kernel module: a device with
// a single shared context object, a syscall hook that calls through
// that object, and an ioctl that frees it without clearing the
// pointer.
//
// The device is shared by every caller. Arm, Free and Spray take the
// device mutex. The hook, which runs on the intercepted getpid path,
// loads the context pointer without the mutex. That unsynchronized
// read is the free/fire race this package exists to demonstrate; it
// is a logical race on simulated memory, not a Go data race.
//
// There is no device-wide "root" flag. Credentials belong to a Task,
// and the daemon creates one Task per client connection. commit_creds
// escalates the task whose getpid fired the hook, so ReadFlag only
// succeeds for that task, which need not be the task that sprayed.
package ghost
