// Copyright 2026 The uasub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package forward republishes monitored item notifications onto a NATS
// message bus.
package forward

import (
	"time"

	"github.com/alwitt/uasub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSConnectParam connection parameters of the NATS client
type NATSConnectParam struct {
	// ServerURI the NATS connection URI, e.g. nats://host:4222
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max duration for connecting with the NATS cluster
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempts. -1 keeps retrying forever.
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on client disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on client reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on client connection close
	OnCloseCallback func(*nats.Conn)
}

// NATSClient is a wrapper around the NATS connection for publishing
type NATSClient interface {
	// NATS exposes the underlying NATS connection
	NATS() *nats.Conn
	// Publish send one payload on a subject
	Publish(subject string, payload []byte) error
	// Close closes the connection
	Close()
}

// natsClientImpl implements NATSClient
type natsClientImpl struct {
	common.Component
	conn *nats.Conn
}

// GetNATSClient define a new NATS client
func GetNATSClient(param NATSConnectParam) (NATSClient, error) {
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "forward", "component": "nats-client", "instance": param.ServerURI,
	}
	conn, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, e error) {
			if param.OnDisconnectCallback != nil {
				param.OnDisconnectCallback(c, e)
			}
			log.WithError(e).WithFields(logTags).Error("NATS client disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if param.OnReconnectCallback != nil {
				param.OnReconnectCallback(c)
			}
			log.WithFields(logTags).Warn("NATS client reconnected")
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			if param.OnCloseCallback != nil {
				param.OnCloseCallback(c)
			}
			log.WithFields(logTags).Warn("NATS client connection closed")
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect with NATS at %s", param.ServerURI,
		)
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected with NATS at %s", param.ServerURI)
	return &natsClientImpl{
		Component: common.Component{LogTags: logTags}, conn: conn,
	}, nil
}

// NATS exposes the underlying NATS connection
func (c *natsClientImpl) NATS() *nats.Conn {
	return c.conn
}

// Publish send one payload on a subject
func (c *natsClientImpl) Publish(subject string, payload []byte) error {
	return c.conn.Publish(subject, payload)
}

// Close closes the connection
func (c *natsClientImpl) Close() {
	c.conn.Close()
	log.WithFields(c.LogTags).Info("Closed NATS client")
}
