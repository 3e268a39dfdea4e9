package configsource

import (
	"sync"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
)

// Subscriber is the minimal broker surface an MQTT-backed config source
// needs, satisfied by *broker.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, cb broker.Handler) error
}

// MQTTSource tracks documents published, one-per-retained-message, under
// a topic prefix. Each retained publish is one document containing a
// single item; an empty/deleted retained message removes it.
type MQTTSource[T any] struct {
	decode Decoder[T]
	events chan Event[T]

	mu   sync.Mutex
	docs map[string]ItemHash
}

func NewMQTTSource[T any](sub Subscriber, topicPrefix string, decode Decoder[T]) (*MQTTSource[T], error) {
	ms := &MQTTSource[T]{
		decode: decode,
		events: make(chan Event[T], 64),
		docs:   map[string]ItemHash{},
	}
	err := sub.Subscribe(topicPrefix+"/#", 1, func(m broker.Message) {
		ms.handle(m.Topic(), m.Payload(), m.Retained())
	})
	if err != nil {
		return nil, err
	}
	return ms, nil
}

func (ms *MQTTSource[T]) Events() <-chan Event[T] { return ms.events }
func (ms *MQTTSource[T]) Close() error             { close(ms.events); return nil }

func (ms *MQTTSource[T]) handle(topic string, payload []byte, retained bool) {
	fnHash := hashString(topic)
	if len(payload) == 0 {
		ms.mu.Lock()
		old, existed := ms.docs[topic]
		delete(ms.docs, topic)
		ms.mu.Unlock()
		if existed {
			ms.events <- Event[T]{Kind: EventRemoved, FilenameHash: fnHash, Path: topic, Hash: old}
			ms.events <- Event[T]{Kind: EventRemoveDocument, FilenameHash: fnHash, Path: topic}
		}
		return
	}

	items, err := ms.decode(topic, payload)
	if err != nil || len(items) != 1 {
		return
	}
	var item T
	for _, v := range items {
		item = v
	}
	ch := ItemHash{FilenameHash: fnHash, ContentHash: hashItem(topic, payload)}

	ms.mu.Lock()
	old, existed := ms.docs[topic]
	ms.docs[topic] = ch
	ms.mu.Unlock()

	if !existed {
		ms.events <- Event[T]{Kind: EventNewDocument, FilenameHash: fnHash, Path: topic}
	} else if old == ch {
		return
	}
	ms.events <- Event[T]{Kind: EventNew, FilenameHash: fnHash, Path: topic, Hash: ch, Item: item}
}
