// Package mongo provides a MongoDB-backed message store for the streaming
// pipeline. Build the low-level client via features/store/mongo/clients/mongo
// and pass it to NewStore; the resulting Store satisfies store.MessageStore and
// can be handed to the coalescing scheduler as its durable channel.
package mongo
