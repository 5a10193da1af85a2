// Copyright 2024 The Cockroach Authors
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

// Package baseline wraps third-party hash maps behind fixedhash.Table so they
// can be benchmarked next to the fixed-capacity tables. The wrapped maps grow
// on demand; they are merely presized for maxElements keys.
package baseline

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/fixedhash"
	crlswiss "github.com/cockroachdb/swiss"
	doltswiss "github.com/dolthub/swiss"
)

// ErrFindUnsupported is returned by Find. The wrapped maps do not expose the
// location of a key.
var ErrFindUnsupported = errors.New("find is not supported by baseline maps")

// base holds the sizing shared by every baseline.
type base struct {
	maxElements      uint64
	targetLoadFactor uint64
}

func makeBase(maxElements, targetLoadFactor uint64) base {
	if maxElements == 0 {
		panic(errors.AssertionFailedf("max elements must be positive"))
	}
	if targetLoadFactor == 0 || targetLoadFactor > 100 {
		panic(errors.AssertionFailedf("target load factor %d outside (0, 100]", targetLoadFactor))
	}
	return base{maxElements: maxElements, targetLoadFactor: targetLoadFactor}
}

// capacity is the slot count a fixed table would provision.
func (b base) capacity() int {
	return int((b.maxElements*100 + b.targetLoadFactor - 1) / b.targetLoadFactor)
}

func identifier[K fixedhash.Key, V fixedhash.Value](name string) string {
	var (
		k K
		v V
	)
	return fmt.Sprintf("%s<K=%T,V=%T>", name, k, v)
}

func load(size, capacity int) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(size) / float64(capacity)
}

func aligned(p unsafe.Pointer, alignment uintptr) bool {
	return alignment == 0 || uintptr(p)%alignment == 0
}

// prefault fills a map with maxElements synthetic keys so that it reaches its
// working size, then empties it.
func prefault[K fixedhash.Key, V fixedhash.Value](t fixedhash.Table[K, V], maxElements uint64) {
	for i := uint64(0); i < maxElements; i++ {
		t.Insert(K(i), V(0))
	}
	t.Reset()
}

// RuntimeMap wraps the builtin map.
type RuntimeMap[K fixedhash.Key, V fixedhash.Value] struct {
	base
	m map[K]V
}

var _ fixedhash.Table[uint64, uint64] = (*RuntimeMap[uint64, uint64])(nil)

func NewRuntimeMap[K fixedhash.Key, V fixedhash.Value](maxElements, targetLoadFactor uint64) *RuntimeMap[K, V] {
	b := makeBase(maxElements, targetLoadFactor)
	return &RuntimeMap[K, V]{base: b, m: make(map[K]V, maxElements)}
}

func (r *RuntimeMap[K, V]) Contains(key K) bool {
	_, ok := r.m[key]
	return ok
}

func (r *RuntimeMap[K, V]) Lookup(key K) V {
	return r.m[key]
}

func (r *RuntimeMap[K, V]) Insert(key K, value V) {
	r.m[key] = value
}

func (r *RuntimeMap[K, V]) Find(key K) (bool, error) {
	return false, ErrFindUnsupported
}

func (r *RuntimeMap[K, V]) Prefault() {
	prefault[K, V](r, r.maxElements)
}

func (r *RuntimeMap[K, V]) PrefaultPregenerated(data []fixedhash.KV[K, V]) {
	for _, kv := range data {
		r.m[kv.Key] = kv.Value
	}
}

func (r *RuntimeMap[K, V]) Reset() {
	clear(r.m)
}

func (r *RuntimeMap[K, V]) Identifier() string {
	return identifier[K, V]("RuntimeMap")
}

func (r *RuntimeMap[K, V]) Size() int {
	return len(r.m)
}

func (r *RuntimeMap[K, V]) Capacity() int {
	return r.capacity()
}

func (r *RuntimeMap[K, V]) Load() float64 {
	return load(len(r.m), r.capacity())
}

// IsDataAlignedTo reports on the map header. The bucket array is not
// reachable.
func (r *RuntimeMap[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return aligned(*(*unsafe.Pointer)(unsafe.Pointer(&r.m)), alignment)
}

func (r *RuntimeMap[K, V]) DataPointerString() string {
	return fmt.Sprintf("%p", r.m)
}

func (r *RuntimeMap[K, V]) CanBeUsed() bool {
	return true
}

func (r *RuntimeMap[K, V]) Close() {
	r.m = nil
}

// CockroachSwiss wraps github.com/cockroachdb/swiss.
type CockroachSwiss[K fixedhash.Key, V fixedhash.Value] struct {
	base
	m *crlswiss.Map[K, V]
}

var _ fixedhash.Table[uint64, uint64] = (*CockroachSwiss[uint64, uint64])(nil)

func NewCockroachSwiss[K fixedhash.Key, V fixedhash.Value](maxElements, targetLoadFactor uint64) *CockroachSwiss[K, V] {
	b := makeBase(maxElements, targetLoadFactor)
	return &CockroachSwiss[K, V]{base: b, m: crlswiss.New[K, V](int(maxElements))}
}

func (c *CockroachSwiss[K, V]) Contains(key K) bool {
	_, ok := c.m.Get(key)
	return ok
}

func (c *CockroachSwiss[K, V]) Lookup(key K) V {
	v, _ := c.m.Get(key)
	return v
}

func (c *CockroachSwiss[K, V]) Insert(key K, value V) {
	c.m.Put(key, value)
}

func (c *CockroachSwiss[K, V]) Find(key K) (bool, error) {
	return false, ErrFindUnsupported
}

func (c *CockroachSwiss[K, V]) Prefault() {
	prefault[K, V](c, c.maxElements)
}

func (c *CockroachSwiss[K, V]) PrefaultPregenerated(data []fixedhash.KV[K, V]) {
	for _, kv := range data {
		c.m.Put(kv.Key, kv.Value)
	}
}

// Reset replaces the map with a fresh one of the same initial capacity.
func (c *CockroachSwiss[K, V]) Reset() {
	c.m.Close()
	c.m = crlswiss.New[K, V](int(c.maxElements))
}

func (c *CockroachSwiss[K, V]) Identifier() string {
	return identifier[K, V]("CockroachSwiss")
}

func (c *CockroachSwiss[K, V]) Size() int {
	return c.m.Len()
}

func (c *CockroachSwiss[K, V]) Capacity() int {
	return c.capacity()
}

func (c *CockroachSwiss[K, V]) Load() float64 {
	return load(c.m.Len(), c.capacity())
}

func (c *CockroachSwiss[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return aligned(unsafe.Pointer(c.m), alignment)
}

func (c *CockroachSwiss[K, V]) DataPointerString() string {
	return fmt.Sprintf("%p", c.m)
}

func (c *CockroachSwiss[K, V]) CanBeUsed() bool {
	return true
}

func (c *CockroachSwiss[K, V]) Close() {
	c.m.Close()
}

// DoltSwiss wraps github.com/dolthub/swiss.
type DoltSwiss[K fixedhash.Key, V fixedhash.Value] struct {
	base
	m *doltswiss.Map[K, V]
}

var _ fixedhash.Table[uint64, uint64] = (*DoltSwiss[uint64, uint64])(nil)

func NewDoltSwiss[K fixedhash.Key, V fixedhash.Value](maxElements, targetLoadFactor uint64) *DoltSwiss[K, V] {
	b := makeBase(maxElements, targetLoadFactor)
	return &DoltSwiss[K, V]{base: b, m: doltswiss.NewMap[K, V](uint32(maxElements))}
}

func (d *DoltSwiss[K, V]) Contains(key K) bool {
	return d.m.Has(key)
}

func (d *DoltSwiss[K, V]) Lookup(key K) V {
	v, _ := d.m.Get(key)
	return v
}

func (d *DoltSwiss[K, V]) Insert(key K, value V) {
	d.m.Put(key, value)
}

func (d *DoltSwiss[K, V]) Find(key K) (bool, error) {
	return false, ErrFindUnsupported
}

func (d *DoltSwiss[K, V]) Prefault() {
	prefault[K, V](d, d.maxElements)
}

func (d *DoltSwiss[K, V]) PrefaultPregenerated(data []fixedhash.KV[K, V]) {
	for _, kv := range data {
		d.m.Put(kv.Key, kv.Value)
	}
}

func (d *DoltSwiss[K, V]) Reset() {
	d.m.Clear()
}

func (d *DoltSwiss[K, V]) Identifier() string {
	return identifier[K, V]("DoltSwiss")
}

func (d *DoltSwiss[K, V]) Size() int {
	return d.m.Count()
}

func (d *DoltSwiss[K, V]) Capacity() int {
	return d.capacity()
}

func (d *DoltSwiss[K, V]) Load() float64 {
	return load(d.m.Count(), d.capacity())
}

func (d *DoltSwiss[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return aligned(unsafe.Pointer(d.m), alignment)
}

func (d *DoltSwiss[K, V]) DataPointerString() string {
	return fmt.Sprintf("%p", d.m)
}

func (d *DoltSwiss[K, V]) CanBeUsed() bool {
	return true
}

func (d *DoltSwiss[K, V]) Close() {
	d.m = nil
}
