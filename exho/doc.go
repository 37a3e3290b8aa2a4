// Package exho implements Exho, a conversational Discord bot which keeps a
// short per-user memory and answers mentions and replies with a text model.
//
// A message which mentions the bot (or replies to one of its messages) goes
// through a few steps:
//
//   - Attached images are described by a vision model, and the descriptions
//     replace the message content.
//   - The text model classifies whether the message needs fresh information,
//     and if so, a web search adds results to the prompt.
//   - The prompt (persona, rules, the user's history) is sent to the text
//     model through the RequestQueue, which runs one request at a time with
//     a minimum interval between requests.
//   - Replies are cleaned of code fences and self-check output. Rejected
//     replies are retried, up to ChatConfig.MaxAttempts.
//   - A successful exchange is appended to the user's history, which is
//     capped at 2*MemoryConfig.Limit turns.
//
// Histories are kept as JSON files, in a sqlite/postgres database, or in
// redis (see MemoryConfig.Backend).
//
// The bot also registers two slash commands:
//
//   - /status: Shows uptime, queue length and other stats.
//   - /memory: Shows how many turns the bot remembers for the caller.
//
// An optional read-only HTTP API reports health and status.
package exho
