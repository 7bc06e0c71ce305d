// Copyright 2024 github.com/ucirello, cirello.io, U. Cirello
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subst

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
)

var anonReplacer = strings.NewReplacer(".", "_", "-", "_", ":", "_")

// anonID returns the per-run deterministic identifier for id, memoizing
// the first call. Concurrent first calls for the same id are coalesced
// by anonG so exactly one identifier is minted.
func (r *Resolver) anonID(id string) string {
	r.mu.Lock()
	if v, ok := r.anon[id]; ok {
		r.mu.Unlock()
		return v
	}
	r.mu.Unlock()

	v, _, _ := r.anonG.Do(id, func() (interface{}, error) {
		r.mu.Lock()
		if v, ok := r.anon[id]; ok {
			r.mu.Unlock()
			return v, nil
		}
		r.mu.Unlock()

		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		generated := fmt.Sprintf("%s_%s_%d_%d", id, host, os.Getpid(), rand.Int63n(1<<31))
		generated = anonReplacer.Replace(generated)

		r.mu.Lock()
		r.anon[id] = generated
		r.mu.Unlock()
		return generated, nil
	})
	return v.(string)
}

// find resolves a package name through the Finder, coalescing
// concurrent lookups for the same package via findG.
func (r *Resolver) find(pkg string) (string, error) {
	v, err, _ := r.findG.Do(pkg, func() (interface{}, error) {
		return r.finder.Find(pkg)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
