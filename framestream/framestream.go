// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package framestream publishes thermal frames over MQTT and subscribes to
// frames published by other nodes.
//
// The payload is the same 3072 byte little-endian float32 encoding package
// framerecord writes to disk, so a subscriber can archive a stream with no
// transcoding.
package framestream

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/thermosense/thermocam/framerecord"
	"github.com/thermosense/thermocam/mlx90640"
)

// Opts represents the options available for the stream.
type Opts struct {
	// Broker is the MQTT broker URI, for example "tcp://127.0.0.1:1883".
	// Required.
	Broker string
	// ClientID identifies this node to the broker. Defaults to "thermocam".
	ClientID string
	// Topic the frames are published to and subscribed from. Defaults to
	// "thermocam/frames".
	Topic string
	// QoS for publishes and subscriptions. Defaults to at most once (0);
	// frames supersede each other so redelivery is rarely worth the
	// handshake.
	QoS byte
	// Timeout bounds connect, publish and subscribe handshakes. The zero
	// value selects 5s.
	Timeout time.Duration

	_ struct{}
}

// Stream is an MQTT connection carrying thermal frames on one topic.
type Stream struct {
	c       mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// New returns a Stream for the given broker. No connection is made until
// Connect is called.
func New(opts *Opts) (*Stream, error) {
	if opts == nil || opts.Broker == "" {
		return nil, fmt.Errorf("framestream: a broker URI is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("framestream: invalid QoS %d", opts.QoS)
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "thermocam"
	}
	topic := opts.Topic
	if topic == "" {
		topic = "thermocam/frames"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	} else if timeout < 0 {
		return nil, fmt.Errorf("framestream: invalid timeout %s", opts.Timeout)
	}
	o := mqtt.NewClientOptions().AddBroker(opts.Broker).SetClientID(clientID)
	o.SetKeepAlive(10 * time.Second)
	o.SetPingTimeout(2 * time.Second)
	o.SetConnectTimeout(timeout)
	return &Stream{c: mqtt.NewClient(o), topic: topic, qos: opts.QoS, timeout: timeout}, nil
}

func (s *Stream) String() string {
	return fmt.Sprintf("FrameStream{%s}", s.topic)
}

// Connect dials the broker.
func (s *Stream) Connect() error {
	return s.wait("connect", s.c.Connect())
}

// Halt disconnects from the broker. The Stream cannot be reused afterwards.
func (s *Stream) Halt() error {
	s.c.Disconnect(uint(s.timeout / time.Millisecond))
	return nil
}

// Publish sends one frame to the stream's topic.
func (s *Stream) Publish(frame mlx90640.Frame) error {
	if len(frame) != mlx90640.PixelCount {
		return fmt.Errorf("framestream: frame has %d pixels, want %d", len(frame), mlx90640.PixelCount)
	}
	return s.wait("publish", s.c.Publish(s.topic, s.qos, false, framerecord.Marshal(frame)))
}

// Subscribe registers fn to be called for every frame received on the
// stream's topic. Payloads that do not decode as a frame are dropped.
func (s *Stream) Subscribe(fn func(mlx90640.Frame)) error {
	return s.wait("subscribe", s.c.Subscribe(s.topic, s.qos, handler(fn)))
}

// Unsubscribe stops delivery to the callback registered by Subscribe.
func (s *Stream) Unsubscribe() error {
	return s.wait("unsubscribe", s.c.Unsubscribe(s.topic))
}

func (s *Stream) wait(op string, t mqtt.Token) error {
	if !t.WaitTimeout(s.timeout) {
		return fmt.Errorf("framestream: %s timed out after %s", op, s.timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("framestream: %s: %w", op, err)
	}
	return nil
}

// handler adapts a frame callback to an MQTT message handler.
func handler(fn func(mlx90640.Frame)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		frame, err := framerecord.Unmarshal(msg.Payload())
		if err != nil {
			return
		}
		fn(frame)
	}
}

var _ fmt.Stringer = &Stream{}
