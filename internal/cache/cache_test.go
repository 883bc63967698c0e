// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"testing"
	"time"
)

func TestBoundedLRUCache_GetOrSetCoalesces(t *testing.T) {
	cache := NewBoundedLRUCache(4)
	want := "value"
	count := 5
	results := make(chan any, count)
	called := 0
	for range count {
		go func() {
			val, err := cache.GetOrSet("key", func() (any, error) {
				called++
				time.Sleep(time.Second)
				return want, nil
			})
			if err != nil {
				results <- nil
			} else {
				results <- val
			}
		}()
	}
	for range count {
		if got := <-results; got != want {
			t.Fatalf("results differed: want=%v,got=%v", want, got)
		}
	}
	if called != 1 {
		t.Fatalf("call count differed: want=1,got=%v", called)
	}
}

func TestBoundedLRUCache_EvictsOldest(t *testing.T) {
	cache := NewBoundedLRUCache(2)
	set := func(key, val string) {
		if err := cache.Set(key, func() (any, error) { return val, nil }); err != nil {
			t.Fatalf("cache.Set(%q) failed: %v", key, err)
		}
	}
	set("a", "1")
	set("b", "2")
	set("c", "3") // evicts "a", the least-recently-used.

	if _, err := cache.Get("a"); err != ErrNotExist {
		t.Fatalf("cache.Get(a) = %v, want ErrNotExist", err)
	}
	if val, err := cache.Get("b"); err != nil || val != "2" {
		t.Fatalf("cache.Get(b) = %v, %v", val, err)
	}
	if val, err := cache.Get("c"); err != nil || val != "3" {
		t.Fatalf("cache.Get(c) = %v, %v", val, err)
	}
	if got := cache.Len(); got != 2 {
		t.Fatalf("cache.Len() = %d, want 2", got)
	}
}

func TestBoundedLRUCache_GetRefreshesRecency(t *testing.T) {
	cache := NewBoundedLRUCache(2)
	cache.Set("a", func() (any, error) { return "1", nil })
	cache.Set("b", func() (any, error) { return "2", nil })
	// Touch "a" so "b" becomes the least-recently-used entry.
	if _, err := cache.Get("a"); err != nil {
		t.Fatalf("cache.Get(a) failed: %v", err)
	}
	cache.Set("c", func() (any, error) { return "3", nil })

	if _, err := cache.Get("b"); err != ErrNotExist {
		t.Fatalf("cache.Get(b) = %v, want ErrNotExist", err)
	}
	if val, err := cache.Get("a"); err != nil || val != "1" {
		t.Fatalf("cache.Get(a) = %v, %v", val, err)
	}
}
