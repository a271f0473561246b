package logclient

import "log/slog"

func SessionAttr(id string) slog.Attr {
	return slog.String("session_id", id)
}

func GroupIDAttr(groupID string) slog.Attr {
	return slog.String("messaging.consumer.group.name", groupID)
}

func TopicAttr(topic string) slog.Attr {
	return slog.String("messaging.destination.name", topic)
}

func PartitionAttr(partition int32) slog.Attr {
	return slog.Int64("messaging.destination.partition.id", int64(partition))
}

func OffsetAttr(offset int64) slog.Attr {
	return slog.Int64("messaging.kafka.offset", offset)
}
