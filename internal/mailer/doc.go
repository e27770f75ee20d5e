// Package mailer renders strike notices from text templates and delivers
// them over SMTP.
package mailer
