// Package needy implements the default Decision Engine: a policy that
// drives a domain's valid-instance count toward a configured preserve_n,
// optionally assigning each instance a unique value out of a configured
// pool. Grounded on epu/decisionengine/impls/needy.py.
package needy

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
)

// Config keys recognized by Engine.Initialize/Reconfigure (spec.md §4.3).
const (
	ConfPreserveN      = "preserve_n"
	ConfIaaSSite       = "iaas_site"
	ConfIaaSAllocation = "iaas_allocation"
	ConfDeployableType = "deployable_type"
	ConfRetirableNodes = "retirable_nodes"
	ConfUniqueKey      = "unique_key"
	ConfUniqueValues   = "unique_values"
)

// Engine is the needy decision engine: converge a domain's valid
// instance count to PreserveN, destroying unhealthy instances first on
// every decide cycle.
type Engine struct {
	PreserveN      int
	IaaSSite       string
	IaaSAllocation string
	DeployableType string
	RetirableNodes []string

	UniqueKey    string
	UniqueValues []string

	// Rand is used to break ties when choosing which valid instance to
	// destroy and no retirable preference applies. Defaults to a
	// process-global source seeded at construction; tests may inject a
	// deterministic one.
	Rand *rand.Rand

	initializeCount int
	decideCount     int
	reconfigureCount int
}

// New returns an Engine with a time-seeded tie-break source.
func New() *Engine {
	return &Engine{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

var _ domain.Engine = (*Engine)(nil)

func (e *Engine) setConf(conf domain.Config) error {
	if len(conf) == 0 {
		return domain.ErrMissingEngineConf
	}
	if v, ok := conf[ConfPreserveN]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("%s: %w", ConfPreserveN, err)
		}
		if n < 0 {
			return domain.ErrNegativePreserveN
		}
		e.PreserveN = n
	}
	if v, ok := conf[ConfIaaSSite]; ok {
		e.IaaSSite, _ = v.(string)
	}
	if v, ok := conf[ConfIaaSAllocation]; ok {
		e.IaaSAllocation, _ = v.(string)
	}
	if v, ok := conf[ConfDeployableType]; ok {
		e.DeployableType, _ = v.(string)
	}
	if v, ok := conf[ConfRetirableNodes]; ok {
		e.RetirableNodes = toStringSlice(v)
	}

	key, kok := conf[ConfUniqueKey]
	values, vok := conf[ConfUniqueValues]
	keyStr, _ := key.(string)
	if kok && vok && keyStr != "" {
		parsed := parseUniqueValues(values)
		if len(parsed) > 0 {
			e.UniqueKey = keyStr
			e.UniqueValues = parsed
			return nil
		}
	}
	e.UniqueKey = ""
	e.UniqueValues = nil
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// parseUniqueValues accepts either a pre-split slice or a comma-separated
// string, trimming whitespace from each element — matching needy.py's
// basestring handling in _set_conf.
func parseUniqueValues(v any) []string {
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		return toStringSlice(v)
	}
}

// Initialize validates conf and stores it. Configuration errors
// (KindConfiguration) surface synchronously to the caller.
func (e *Engine) Initialize(ctx context.Context, control domain.Control, state domain.EngineState, conf domain.Config) error {
	if e.Rand == nil {
		e.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if err := e.setConf(conf); err != nil {
		return err
	}
	e.initializeCount++
	log.Printf("[needy] initialized: preserve_n=%d dt=%s site=%s alloc=%s", e.PreserveN, e.DeployableType, e.IaaSSite, e.IaaSAllocation)
	return nil
}

// Reconfigure applies a non-empty configuration delta.
func (e *Engine) Reconfigure(ctx context.Context, control domain.Control, conf domain.Config) error {
	if len(conf) == 0 {
		return domain.ErrMissingEngineConf
	}
	if err := e.setConf(conf); err != nil {
		return err
	}
	e.reconfigureCount++
	log.Printf("[needy] reconfigured: preserve_n=%d", e.PreserveN)
	return nil
}

// Decide runs one policy iteration: destroy unhealthy instances, then
// converge the valid-instance count to PreserveN. Grounded on
// NeedyEngine.decide in needy.py.
func (e *Engine) Decide(ctx context.Context, control domain.Control, state domain.EngineState) error {
	all := state.Instances()

	valid := make(map[string]*domain.Instance, len(all))
	for _, inst := range all {
		if inst.State.IsValid() {
			valid[inst.InstanceID] = inst
		}
	}

	for _, inst := range state.UnhealthyInstances() {
		log.Printf("[needy] terminating unhealthy instance: %s", inst.InstanceID)
		if err := e.destroyOne(ctx, control, inst.InstanceID); err != nil {
			log.Printf("[needy] destroy of unhealthy instance %s failed: %v", inst.InstanceID, err)
		}
		delete(valid, inst.InstanceID)
	}

	validUniques := map[string]struct{}{}
	if e.UniqueKey != "" {
		for _, inst := range valid {
			if inst.ExtraVars == nil {
				continue
			}
			if v, ok := inst.ExtraVars[e.UniqueKey]; ok {
				if s, ok := v.(string); ok && s != "" {
					validUniques[s] = struct{}{}
				}
			}
		}
	}

	validCount := len(valid)

	switch {
	case validCount == e.PreserveN:
		log.Printf("[needy] valid count (%d) = target (%d)", validCount, e.PreserveN)

	case validCount < e.PreserveN:
		log.Printf("[needy] valid count (%d) < target (%d)", validCount, e.PreserveN)
		nextIdx := 0
		for validCount < e.PreserveN {
			var extraVars map[string]any
			if e.UniqueKey != "" {
				value := e.nextUniqueValue(&nextIdx, validUniques)
				extraVars = map[string]any{e.UniqueKey: value}
				if value != nil {
					validUniques[value.(string)] = struct{}{}
				}
			}
			id, err := e.launchOne(ctx, control, extraVars)
			if err != nil {
				return err
			}
			valid[id] = &domain.Instance{InstanceID: id}
			validCount++
		}

	case validCount > e.PreserveN:
		log.Printf("[needy] valid count (%d) > target (%d)", validCount, e.PreserveN)
		for validCount > e.PreserveN {
			dieID := e.pickRetirable(valid)
			if dieID == "" {
				dieID = e.pickRandom(valid)
			}
			if err := e.destroyOne(ctx, control, dieID); err != nil {
				return err
			}
			delete(valid, dieID)
			validCount--
		}
	}

	e.decideCount++
	return nil
}

// nextUniqueValue returns the next configured unique value not already
// in use, advancing nextIdx past values already claimed in this decide
// call, falling back to nil once the pool is exhausted.
func (e *Engine) nextUniqueValue(nextIdx *int, inUse map[string]struct{}) any {
	for *nextIdx < len(e.UniqueValues) {
		v := e.UniqueValues[*nextIdx]
		*nextIdx++
		if _, used := inUse[v]; !used {
			return v
		}
	}
	return nil
}

// pickRetirable returns the first retirable-node id (in configured
// preference order) that is currently a valid instance, or "" if none
// match.
func (e *Engine) pickRetirable(valid map[string]*domain.Instance) string {
	for _, id := range e.RetirableNodes {
		if _, ok := valid[id]; ok {
			return id
		}
	}
	return ""
}

// pickRandom uniformly samples one id from valid. Iteration order over a
// Go map is randomized per-process, so a fixed-index pick already avoids
// a deterministic bias; e.Rand selects which position to take.
func (e *Engine) pickRandom(valid map[string]*domain.Instance) string {
	n := e.Rand.Intn(len(valid))
	i := 0
	for id := range valid {
		if i == n {
			return id
		}
		i++
	}
	return ""
}

func (e *Engine) launchOne(ctx context.Context, control domain.Control, extraVars map[string]any) (string, error) {
	if e.IaaSSite == "" {
		return "", domain.ErrMissingIaaSSite
	}
	if e.IaaSAllocation == "" {
		return "", domain.ErrMissingIaaSAlloc
	}
	if e.DeployableType == "" {
		return "", domain.ErrMissingDeployable
	}
	id, err := control.Launch(ctx, e.DeployableType, e.IaaSSite, e.IaaSAllocation, extraVars)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", domain.ErrLaunchInstanceCount
	}
	if len(extraVars) > 0 {
		log.Printf("[needy] launched instance %s with vars: %v", id, extraVars)
	} else {
		log.Printf("[needy] launched instance %s", id)
	}
	return id, nil
}

func (e *Engine) destroyOne(ctx context.Context, control domain.Control, instanceID string) error {
	if err := control.DestroyInstances(ctx, []string{instanceID}); err != nil {
		return err
	}
	log.Printf("[needy] destroyed instance %s", instanceID)
	return nil
}
