// Package messaging owns conversations and messages between two marketplace users.
//
// Persistence sits behind Store (in-memory, PostgreSQL, MongoDB). ConversationService
// and MessageService are the only writers of a conversation's denormalized summary
// (last message, unread counters), which is always derived from the message rows.
package messaging
