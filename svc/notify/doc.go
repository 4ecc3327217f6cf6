// Package notify delivers transactional email. Producers build a Message
// naming a template and hand it to a Sender: the Dispatcher enqueues it on
// the email queue so delivery never happens inside a store transaction, and
// the Mailer renders and sends it from a queue worker.
package notify
