// Package event fans payloads out to the subscribers of named topics.
package event

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/metricq/log"
)

var (
	ErrTopicExists    = errors.New("topic already created")
	ErrTopicNotFound  = errors.New("topic not created")
	ErrPublishTimeout = errors.New("publish timeout")
)

// Publisher includes multiple topics.
type Publisher struct {
	lock   sync.RWMutex
	topics map[string]*Topic
}

// NewPublisher creates a publisher without topics.
func NewPublisher() *Publisher {
	return &Publisher{topics: make(map[string]*Topic)}
}

// NewTopic must create a topic before you can initiate a subscription.
func (p *Publisher) NewTopic(topicName string, timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.topics[topicName]; ok {
		return fmt.Errorf("%w: %s", ErrTopicExists, topicName)
	}
	p.topics[topicName] = &Topic{
		timeout:     timeout,
		subscribers: []Subscriber{},
	}
	return nil
}

// RegisterSubscriber registers a subscriber.
func (p *Publisher) RegisterSubscriber(topicName string, fn Subscriber) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	topic, ok := p.topics[topicName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}

	topic.subscribers = append(topic.subscribers, fn)
	log.Info().Str("topic", topicName).Int("num", len(topic.subscribers)).Msg("add subscribers")
	return nil
}

// Publish runs every subscriber of the topic concurrently and waits for them.
// With a topic timeout it stops waiting after the timeout and returns ErrPublishTimeout;
// subscribers still running are left to finish on their own.
// A panicking subscriber is recovered and logged.
func (p *Publisher) Publish(topicName string, i any) error {
	p.lock.RLock()
	topic, ok := p.topics[topicName]
	var subs []Subscriber
	if ok {
		subs = append(subs, topic.subscribers...)
	}
	p.lock.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	if len(subs) == 0 {
		return nil
	}

	log.Debug().Str("topic", topicName).Int("subscribers", len(subs)).Msg("publish event")

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("topic", topicName).Str("panic", fmt.Sprint(r)).Msg("subscriber panicked")
				}
			}()
			sub(i)
		}()
	}

	if topic.timeout <= 0 {
		wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(topic.timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		log.Warn().Str("topic", topicName).Dur("timeout_ms", topic.timeout).Msg("publish timeout")
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topicName)
	}
}
