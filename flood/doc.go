// Flood control for user submitted content.
//
// Tracks the items each author creates, records when items are removed or deleted by moderation, and decides whether a new item pushes its author past a per-window quota. The engine is backed by pluggable stores (in-process memory, redis, or a SQL database) and consumes the hosting platform through small interfaces.
//
// Sub-packages: poststore (per-author item index), actionstore (moderation action times), settings (quota configuration), platform (external collaborators), engine (evaluation and janitor), handlers (event glue).
package flood
