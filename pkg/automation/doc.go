// Package automation defines the interface the gateway expects from a
// wrapped chat-automation engine.
//
// Ownership model:
//   - The gateway's session manager exclusively owns Client handles; route
//     handlers only borrow them through registry lookups.
//   - The event fan-out is the only subscriber to Client events; it attaches
//     handlers with On before Initialize is called.
//
// Concrete engines live in subpackages (see meow for the whatsmeow-backed
// adapter). Tests use in-memory fakes.
package automation
