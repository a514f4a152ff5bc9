// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/golang/glog"

	"github.com/pkusys/halfmoon/pkg/retry"
)

// Announcer publishes a service address to the coordination service as an
// ephemeral record: the record stays alive only while the announcer keeps
// refreshing it, so liveness evicts it when the process exits.
type Announcer interface {
	// Announce registers addr under name and keeps the registration alive
	// until ctx is cancelled. It returns after the first successful
	// registration, or with an error if that fails.
	Announce(ctx context.Context, name Name, addr string) error
}

const (
	// How long a published record survives without a refresh.
	announceTTL = 30 * time.Second

	// How hard we try to get the initial registration through.
	announceTimeout = 15 * time.Second
)

// HTTPAnnouncer publishes records to a coordination service over its HTTP
// API: PUT <base>/v1/ephemeral/<cluster>/<user>/<service> with a JSON body
// {"addr": ..., "ttlSeconds": ...}.
type HTTPAnnouncer struct {
	// Base is the root URL of the coordination service.
	Base string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Announce implements Announcer. After the initial registration succeeds, a
// background goroutine re-announces every TTL/3 until ctx is cancelled;
// refresh failures are retried with backoff and logged, never fatal.
func (a *HTTPAnnouncer) Announce(ctx context.Context, name Name, addr string) error {
	if a.Base == "" {
		return fmt.Errorf("announcer has no coordination service URL")
	}
	if err := a.put(ctx, name, addr); err != nil {
		return err
	}
	go a.refreshLoop(ctx, name, addr)
	return nil
}

func (a *HTTPAnnouncer) refreshLoop(ctx context.Context, name Name, addr string) {
	tick := time.NewTicker(announceTTL / 3)
	defer tick.Stop()
	r := retry.Retrier{
		MinSleep: 100 * time.Millisecond,
		MaxSleep: 2 * time.Second,
		MaxRetry: announceTTL / 3,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		ok, cancelled := r.Do(ctx, func(int) bool {
			return a.put(ctx, name, addr) == nil
		})
		if cancelled {
			return
		}
		if !ok {
			log.Errorf("failed to refresh discovery record for %v, record may expire", name)
		}
	}
}

func (a *HTTPAnnouncer) put(ctx context.Context, name Name, addr string) error {
	body, err := json.Marshal(struct {
		Addr       string `json:"addr"`
		TTLSeconds int    `json:"ttlSeconds"`
	}{Addr: addr, TTLSeconds: int(announceTTL / time.Second)})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/v1/ephemeral/%s/%s/%s", a.Base,
		url.PathEscape(name.Cluster), url.PathEscape(name.User), url.PathEscape(name.Service))
	reqCtx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()
	req, err := http.NewRequest("PUT", u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req = req.WithContext(reqCtx)
	req.Header.Set("Content-Type", "application/json")
	cli := a.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("coordination service returned %s for %s", resp.Status, u)
	}
	log.V(1).Infof("announced %s under %v", addr, name)
	return nil
}
