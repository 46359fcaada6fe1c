// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends e-mail alerts about a running experiment.
package alert // import "github.com/go-lpc/wsnlat/internal/alert"

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	mail "gopkg.in/gomail.v2"
)

var errCredentials = errors.New("alert: missing credentials")

// Mailer sends alerts by e-mail.
type Mailer struct {
	Name string // name of the sending program, used in subjects
	Usr  string
	Pwd  string
	Srv  string
	Port int
	Tgts []string
	Max  int // maximum number of alerts to send, 0 for no limit

	mu   sync.Mutex
	sent int
	send func(msg *mail.Message) error
}

// FromEnv creates a mailer configured from the MAIL_USERNAME, MAIL_PASSWORD,
// MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
func FromEnv(name string) *Mailer {
	port, _ := strconv.Atoi(os.Getenv("MAIL_PORT"))
	var tgts []string
	for _, v := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			tgts = append(tgts, v)
		}
	}
	return &Mailer{
		Name: name,
		Usr:  os.Getenv("MAIL_USERNAME"),
		Pwd:  os.Getenv("MAIL_PASSWORD"),
		Srv:  os.Getenv("MAIL_SERVER"),
		Port: port,
		Tgts: tgts,
		Max:  5,
	}
}

// Send sends an alert.
// Alerts past the maximum number of alerts are silently dropped.
func (m *Mailer) Send(subject, body string) error {
	if m.Usr == "" || m.Pwd == "" || m.Srv == "" || m.Port == 0 || len(m.Tgts) == 0 {
		return errCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Max > 0 && m.sent >= m.Max {
		return nil
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.Usr)
	msg.SetHeader("Bcc", m.Tgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] %s", m.Name, subject))
	msg.SetBody("text/plain", body)

	send := m.send
	if send == nil {
		send = m.dialAndSend
	}
	err := send(msg)
	if err != nil {
		return fmt.Errorf("alert: could not send mail: %w", err)
	}
	m.sent++
	return nil
}

func (m *Mailer) dialAndSend(msg *mail.Message) error {
	dial := mail.NewDialer(m.Srv, m.Port, m.Usr, m.Pwd)
	dial.TLSConfig = &tls.Config{
		ServerName: m.Srv,
	}
	return dial.DialAndSend(msg)
}
