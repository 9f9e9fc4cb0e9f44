// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package testutil provides in-memory fakes for engine tests.
package testutil // import "github.com/toeirei/keyfleet/internal/testutil"

import (
	"fmt"
	"sync"

	"github.com/toeirei/keyfleet/internal/model"
)

// ApplyCall records one FakeApplier.Apply invocation.
type ApplyCall struct {
	Account string
	Content string
}

// FakeApplier implements deploy.Applier against an in-memory filesystem.
// Errors can be scripted per account; each scripted error is returned once,
// in order, before applies start succeeding.
type FakeApplier struct {
	mu       sync.Mutex
	files    map[string]string
	applies  []ApplyCall
	scripted map[string][]error
}

func NewFakeApplier() *FakeApplier {
	return &FakeApplier{
		files:    make(map[string]string),
		scripted: make(map[string][]error),
	}
}

func accountKey(host model.ManagedHost, remoteUser string) string {
	return fmt.Sprintf("%s@%s", remoteUser, host.Address)
}

// ScriptErrors queues errors to be returned by subsequent Apply calls for
// the given account.
func (f *FakeApplier) ScriptErrors(host model.ManagedHost, remoteUser string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountKey(host, remoteUser)
	f.scripted[key] = append(f.scripted[key], errs...)
}

func (f *FakeApplier) Apply(host model.ManagedHost, remoteUser, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountKey(host, remoteUser)
	f.applies = append(f.applies, ApplyCall{Account: key, Content: content})
	if errs := f.scripted[key]; len(errs) > 0 {
		err := errs[0]
		f.scripted[key] = errs[1:]
		return err
	}
	f.files[key] = content
	return nil
}

func (f *FakeApplier) Read(host model.ManagedHost, remoteUser string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountKey(host, remoteUser)
	content, ok := f.files[key]
	if !ok {
		return "", fmt.Errorf("failed to open remote file for %s: file does not exist", key)
	}
	return content, nil
}

// File returns the current content written for an account.
func (f *FakeApplier) File(host model.ManagedHost, remoteUser string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[accountKey(host, remoteUser)]
	return content, ok
}

// ApplyCount returns how many Apply calls an account has received.
func (f *FakeApplier) ApplyCount(host model.ManagedHost, remoteUser string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountKey(host, remoteUser)
	n := 0
	for _, c := range f.applies {
		if c.Account == key {
			n++
		}
	}
	return n
}

// Applies returns a copy of all recorded apply calls in order.
func (f *FakeApplier) Applies() []ApplyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ApplyCall, len(f.applies))
	copy(out, f.applies)
	return out
}

// RecordingNotifier captures notifications for assertions.
type RecordingNotifier struct {
	mu       sync.Mutex
	Failed   []string
	Revokes  []model.RevokeSummary
	failedBy map[string]int
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{failedBy: make(map[string]int)}
}

func (n *RecordingNotifier) JobFailed(item model.ApplyQueueItem, mapping *model.UserHostAccount, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Failed = append(n.Failed, item.ID)
	n.failedBy[item.ID]++
}

func (n *RecordingNotifier) EmergencyRevokeDone(summary model.RevokeSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Revokes = append(n.Revokes, summary)
}

// FailedCount returns how many JobFailed events fired for an item.
func (n *RecordingNotifier) FailedCount(itemID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failedBy[itemID]
}

// RevokeCount returns the number of EmergencyRevokeDone events.
func (n *RecordingNotifier) RevokeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Revokes)
}
