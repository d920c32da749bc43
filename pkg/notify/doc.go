// Package notify delivers invitation, magic link and password reset emails.
//
// Dispatcher is the single capability the rest of the backoffice depends
// on. Implementations:
//
//   - SMTPDispatcher sends multipart text/html mail
//   - WebhookDispatcher posts signed JSON to a relay with exponential backoff
//   - RedisOutbox queues messages on a Redis list; a Relay drains it into
//     another dispatcher and dead-letters messages that keep failing
//   - LogDispatcher only logs, for development
//
// Multi fans a message out to several dispatchers.
package notify
