// Package notifier forwards high-signal bot events to an operator chat.
//
// Service subscribes to the event bus, formats post.published, post.failed
// and a few other events, suppresses duplicates inside a window, rate limits
// and hands the text to a Sender. Telegram (telebot) is the only Sender
// shipped. Delivery is best-effort; the posting loop never waits on it.
package notifier
