// Package anonbot implements a Discord bot that lets server members post
// messages under a persistent pseudonymous handle instead of their real
// account identity.
//
// Members claim a handle with /create, then post with the `!anon` prefix.
// The bot re-posts the message as "**handle:** message", deletes the
// original, and (when the message names another member's handle) sends
// that member a private copy.
//
// Key components of the package include:
//
//   - AnonBot: The main struct, which wires configuration, storage,
//     the Discord session and the HTTP servers together.
//   - HandleStore: Per-guild handle assignments, unique by handle and by user.
//   - AdminRegistry: Runtime-managed admins, plus the configured god admins.
//   - ChannelPolicyStore: The single relay channel per guild.
//   - Discord: Discord session management and slash command registration.
//   - API: Health checks, Prometheus metrics and a token-protected
//     management API.
//
// The bot supports these commands:
//
//   - /ping: Reports gateway and interaction latency.
//   - /create: Claims a handle in the current server.
//   - /viewhandle: Shows the caller's handle.
//   - /setchannel: Restricts anonymous messages to one channel (admins).
//   - /help: Lists commands.
//   - /admin viewhandles, /admin analytics, /admin manage: Moderation.
//
// Interactions can be received through the Discord gateway (websocket) or
// through an HTTP interactions endpoint, and are handled identically.
package anonbot
