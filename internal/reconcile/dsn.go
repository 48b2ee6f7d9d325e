package reconcile

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NewQueueFromDSN builds a queue from a DSN:
//
//	memory://?capacity=1024
//	kafka://broker1:9092,broker2:9092/topic?group=calltrail
func NewQueueFromDSN(dsn string) (Queue, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("reconcile: parse queue dsn: %w", err)
	}

	switch u.Scheme {
	case "memory":
		capacity := 0
		if v := u.Query().Get("capacity"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("reconcile: invalid memory queue capacity %q", v)
			}
			capacity = n
		}
		return NewMemoryQueue(capacity), nil

	case "kafka":
		var brokers []string
		for _, b := range strings.Split(u.Host, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		return NewKafkaQueue(KafkaConfig{
			Brokers: brokers,
			Topic:   strings.Trim(u.Path, "/"),
			GroupID: u.Query().Get("group"),
		})

	default:
		return nil, fmt.Errorf("reconcile: unsupported queue scheme %q", u.Scheme)
	}
}
