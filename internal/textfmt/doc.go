// Package textfmt turns host replies into text the WeChat device can send.
//
// WeChat shows markdown literally, so replies are parsed with goldmark and
// re-rendered as plain text before being split into chunks no longer than
// the configured limit (4000 characters by default). Splitting prefers
// paragraph breaks, then line breaks, then spaces, and never cuts a rune.
package textfmt
