// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selector_test

import (
	"testing"
	"time"

	"github.com/wireloop/streamio/selector"
)

func TestDirectAlwaysReady(t *testing.T) {
	d := selector.NewDirect()
	tokA, err := d.Register(3, selector.InterestRead)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	tokB, err := d.Register(4, selector.InterestRead|selector.InterestWrite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ready, err := d.Poll(0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("want 2 ready tokens, got %d", len(ready))
	}
	seen := map[selector.Token]bool{}
	for _, r := range ready {
		if !r.Readable || !r.Writable {
			t.Fatalf("direct selector must report every token as fully ready: %+v", r)
		}
		seen[r.Token] = true
	}
	if !seen[tokA] || !seen[tokB] {
		t.Fatalf("missing registered tokens in ready set: %+v", ready)
	}

	if err := d.Deregister(tokA); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	ready, _ = d.Poll(time.Millisecond)
	if len(ready) != 1 || ready[0].Token != tokB {
		t.Fatalf("after deregister want only tokB ready, got %+v", ready)
	}
}
