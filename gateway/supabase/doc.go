// Package supabase implements gateway.Gateway and auth.Provider against a
// Supabase project.
//
// Reads and writes go to PostgREST under /rest/v1, the session is served and
// refreshed by GoTrue under /auth/v1, and message inserts are pushed over the
// Phoenix realtime websocket under /realtime/v1.
//
// Expected schema:
//
//	profiles (id uuid pk, username, display_name, avatar_url, bio, is_online, last_seen, updated_at)
//	chats    (id uuid pk, name, is_group, participants uuid[], last_message,
//	          last_message_at, last_sender_id, unread_counts jsonb, created_at)
//	messages (id uuid pk, chat_id, sender_id, content, type, client_id, created_at)
//
// plus an increment_unread_count(chat_id uuid, user_id uuid) function.
package supabase
