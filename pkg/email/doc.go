// Package email sends transactional mail.
//
// Production uses Postmark through github.com/mrz1836/postmark. Local
// environments without a server token get DevSender, which writes every
// message to disk so billing notifications can be inspected by hand.
package email
