/*
Package publisher provides a supervised, restart-on-failure worker that owns one bus connection
and publishes events from a bounded mailbox.

Publish encodes the event synchronously, so serialization failures reach the caller and never
touch the connection. Accepted envelopes are published asynchronously; a transient failure is
resubmitted to the same mailbox after Config.ResendDelay, up to Config.MaxAttempts, after which
the envelope goes to the dead-letter sink. A worker that cannot connect, or whose connection is
gone for good, terminates and is recreated by the supervisor; recreated workers sleep
Config.RestartCooldown before reconnecting.
*/
package publisher
