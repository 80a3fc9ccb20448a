// Copyright 2026 The gVisor Authors.
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

package refs

import "testing"

type testCounter struct {
	AtomicRefCount
	destroyed int
}

func (c *testCounter) DecRef() {
	c.DecRefWithDestructor(func() { c.destroyed++ })
}

func (c *testCounter) RefType() string     { return "testCounter" }
func (c *testCounter) LeakMessage() string { return "testCounter leaked" }

func TestAtomicRefCountDestructor(t *testing.T) {
	c := &testCounter{}
	if got := c.ReadRefs(); got != 1 {
		t.Fatalf("ReadRefs() = %d, want 1", got)
	}
	c.IncRef()
	c.DecRef()
	if c.destroyed != 0 {
		t.Fatalf("destroyed with a reference outstanding")
	}
	c.DecRef()
	if c.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", c.destroyed)
	}
	if c.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	c := &testCounter{}
	c.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("second DecRef did not panic")
		}
	}()
	c.DecRef()
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	c := &testCounter{}
	Register(c)
	if got := LiveObjects("testCounter"); got != 1 {
		t.Errorf("LiveObjects = %d, want 1", got)
	}
	if got := DoRepeatedLeakCheck(); got != 1 {
		t.Errorf("DoRepeatedLeakCheck = %d, want 1", got)
	}
	Unregister(c)
	if got := DoRepeatedLeakCheck(); got != 0 {
		t.Errorf("DoRepeatedLeakCheck after Unregister = %d, want 0", got)
	}
}
