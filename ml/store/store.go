// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store holds the learned parameters (and optimizer state) of a model, as named variables.
//
// Variables are identified by their full scoped name, like "/encoder/dense/weights". Scope names are
// separated by ScopeSeparator, and every name starts with it.
//
// A Store has exactly one writer and any number of readers. The training executor gets the Mutable view,
// and the evaluation executor gets the ReadOnly view: both see the same values, so evaluation always
// reflects the latest trained weights.
//
//	st := store.New()
//	w := st.Mutable()
//	w.Create("/decoder/out/bias", []int{vocabSize}, true)
//	...
//	evaluator := exec.NewEvaluator(evalArtifact, st.ReadOnly(), places)
package store

import (
	"slices"
	"strings"
	"sync"

	"github.com/captionlab/captrain/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
const ScopeSeparator = "/"

// JoinName joins scope parts into a variable name, e.g. JoinName("encoder", "dense", "weights") returns
// "/encoder/dense/weights".
func JoinName(parts ...string) string {
	for _, part := range parts {
		if part == "" || strings.Contains(part, ScopeSeparator) {
			exceptions.Panicf("store.JoinName(%q): empty part or part containing %q", parts, ScopeSeparator)
		}
	}
	return ScopeSeparator + strings.Join(parts, ScopeSeparator)
}

// InScope returns whether the variable name is under the given scope (e.g. "/encoder").
func InScope(name, scope string) bool {
	scope = strings.TrimSuffix(scope, ScopeSeparator)
	if scope == "" {
		return true
	}
	return strings.HasPrefix(name, scope+ScopeSeparator)
}

// Variable is a named tensor in the Store.
type Variable struct {
	name      string
	value     *tensors.Tensor
	trainable bool
}

// Name returns the full scoped name of the variable.
func (v *Variable) Name() string { return v.name }

// Trainable returns whether the optimizer is allowed to update the variable.
func (v *Variable) Trainable() bool { return v.trainable }

// Dimensions of the variable value.
func (v *Variable) Dimensions() []int { return v.value.Dimensions() }

// Value of the variable. It's owned by the Store: only read it while holding a lock, e.g. inside Enumerate.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// Reader gives read access to variable values.
//
// The returned tensors are owned by the Store and must not be modified.
type Reader interface {
	// Get returns the value of the variable, and whether it was found.
	Get(name string) (*tensors.Tensor, bool)

	// Names returns all variable names, sorted.
	Names() []string
}

// Store holds the variables. Create it with New.
type Store struct {
	mu   sync.RWMutex
	vars map[string]*Variable

	mutable  *Mutable
	readOnly *ReadOnly
}

// New creates an empty Store.
func New() *Store {
	s := &Store{vars: make(map[string]*Variable)}
	s.mutable = &Mutable{s: s}
	s.readOnly = &ReadOnly{s: s}
	return s
}

// Mutable returns the read/write view of the store. There is only one per Store.
func (s *Store) Mutable() *Mutable { return s.mutable }

// ReadOnly returns the read-only view of the store.
func (s *Store) ReadOnly() *ReadOnly { return s.readOnly }

// unlocked implements Reader without locking: only used inside View and Update.
type unlocked struct{ s *Store }

func (u unlocked) Get(name string) (*tensors.Tensor, bool) {
	v, found := u.s.vars[name]
	if !found {
		return nil, false
	}
	return v.value, true
}

func (u unlocked) Names() []string {
	names := make([]string, 0, len(u.s.vars))
	for name := range u.s.vars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadOnly view of the Store. It never changes values.
type ReadOnly struct {
	s *Store
}

// View calls fn with a Reader while holding the read lock: no update is applied while fn runs.
func (r *ReadOnly) View(fn func(reader Reader) error) error {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return fn(unlocked{r.s})
}

// Get implements Reader.
func (r *ReadOnly) Get(name string) (*tensors.Tensor, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return unlocked{r.s}.Get(name)
}

// Names implements Reader.
func (r *ReadOnly) Names() []string {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return unlocked{r.s}.Names()
}

// Mutable is the read/write view of the Store.
type Mutable struct {
	s *Store
}

// View calls fn with a Reader while holding the read lock.
func (m *Mutable) View(fn func(reader Reader) error) error {
	return m.s.readOnly.View(fn)
}

// Get implements Reader.
func (m *Mutable) Get(name string) (*tensors.Tensor, bool) { return m.s.readOnly.Get(name) }

// Names implements Reader.
func (m *Mutable) Names() []string { return m.s.readOnly.Names() }

// Len returns the number of variables.
func (m *Mutable) Len() int {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return len(m.s.vars)
}

// Variable returns the variable with the given name, or nil if it doesn't exist.
func (m *Mutable) Variable(name string) *Variable {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return m.s.vars[name]
}

// Update calls fn with a Writer while holding the write lock.
// If fn returns an error, the changes already made are not rolled back.
func (m *Mutable) Update(fn func(w *Writer) error) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return fn(&Writer{unlocked: unlocked{m.s}})
}

// Create a zero-valued variable. If it already exists with the same dimensions, it is returned unchanged,
// except for the trainable flag.
func (m *Mutable) Create(name string, dimensions []int, trainable bool) (v *Variable, err error) {
	err = m.Update(func(w *Writer) error {
		v, err = w.Create(name, dimensions, trainable)
		return err
	})
	return
}

// Set the value of the variable, creating it if needed. The value is copied.
func (m *Mutable) Set(name string, value *tensors.Tensor, trainable bool) error {
	return m.Update(func(w *Writer) error { return w.Set(name, value, trainable) })
}

// SetTrainable changes whether the variable can be updated by the optimizer.
func (m *Mutable) SetTrainable(name string, trainable bool) error {
	return m.Update(func(w *Writer) error {
		v, found := w.s.vars[name]
		if !found {
			return errors.Errorf("store: variable %q not found", name)
		}
		v.trainable = trainable
		return nil
	})
}

// Delete removes the variables under the given scope (e.g. "/optimizers"). It returns the number removed.
func (m *Mutable) Delete(scope string) int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	count := 0
	for name := range m.s.vars {
		if InScope(name, scope) {
			delete(m.s.vars, name)
			count++
		}
	}
	return count
}

// Enumerate calls fn for every variable, in name order, holding the read lock.
func (m *Mutable) Enumerate(fn func(v *Variable)) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, name := range (unlocked{m.s}).Names() {
		fn(m.s.vars[name])
	}
}

// Writer is given to Mutable.Update, and is only valid during the call.
type Writer struct {
	unlocked
}

// Create a zero-valued variable, see Mutable.Create.
func (w *Writer) Create(name string, dimensions []int, trainable bool) (*Variable, error) {
	if !strings.HasPrefix(name, ScopeSeparator) {
		return nil, errors.Errorf("store: variable name %q must start with %q", name, ScopeSeparator)
	}
	if v, found := w.s.vars[name]; found {
		if !slices.Equal(v.value.Dimensions(), dimensions) {
			return nil, errors.Errorf("store: variable %q already exists with dimensions %v, requested %v",
				name, v.value.Dimensions(), dimensions)
		}
		v.trainable = trainable
		return v, nil
	}
	v := &Variable{name: name, value: tensors.FromShape(dimensions...), trainable: trainable}
	w.s.vars[name] = v
	return v, nil
}

// Set the variable value (copied), creating the variable if needed.
func (w *Writer) Set(name string, value *tensors.Tensor, trainable bool) error {
	v, err := w.Create(name, value.Dimensions(), trainable)
	if err != nil {
		return err
	}
	v.value.CopyFrom(value)
	return nil
}

// Mutable returns the value of the variable for in-place changes.
func (w *Writer) Mutable(name string) (*tensors.Tensor, bool) {
	return w.Get(name)
}

// IsTrainable returns whether the named variable exists and is trainable.
func (w *Writer) IsTrainable(name string) bool {
	v, found := w.s.vars[name]
	return found && v.trainable
}
