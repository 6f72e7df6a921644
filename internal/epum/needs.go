package epum

import (
	"context"
	"fmt"

	"github.com/oldpatricka/epu/internal/domain"
)

// NeedTranslator implements the decider's "register need" / "retire
// node" sensor translation described in spec.md §4.5: an unseen {dt,
// site, allocation} tuple becomes a new Needy-typed domain; a
// previously-seen one is reconfigured in place (preserve_n,
// retirable_nodes). This is the HTTP-facing counterpart of
// httpclients.EPUMClient.RegisterNeed, which PDC calls against this
// daemon's own /needs/register endpoint.
type NeedTranslator struct {
	Store Store
	Owner string
}

// NewNeedTranslator constructs a NeedTranslator over store, scoping every
// domain it creates or touches to owner.
func NewNeedTranslator(store Store, owner string) *NeedTranslator {
	return &NeedTranslator{Store: store, Owner: owner}
}

func needDomainID(deployableType string, constraints domain.Constraints) string {
	site, _ := constraints["iaas_site"].(string)
	allocation, _ := constraints["iaas_allocation"].(string)
	return fmt.Sprintf("need-%s-%s-%s", deployableType, site, allocation)
}

// RegisterNeed creates or reconfigures the domain backing deployableType,
// targeting count as its preserve_n and subscribing (subscriberName,
// subscriberOp) for RUNNING/FAILED notifications.
func (t *NeedTranslator) RegisterNeed(ctx context.Context, deployableType string, constraints domain.Constraints, count int, subscriberName, subscriberOp string) error {
	domainID := needDomainID(deployableType, constraints)

	site, _ := constraints["iaas_site"].(string)
	allocation, _ := constraints["iaas_allocation"].(string)

	dom, err := t.Store.GetDomain(t.Owner, domainID)
	if err != nil {
		kind, tagged := domain.ErrorKind(err)
		if !tagged || kind != domain.KindNotFound {
			return err
		}
		engineConf := domain.Config{
			"preserve_n":      count,
			"deployable_type": deployableType,
			"iaas_site":       site,
			"iaas_allocation": allocation,
		}
		newDom := &domain.Domain{
			Owner:    t.Owner,
			DomainID: domainID,
			General:  domain.Config{},
			Engine:   engineConf,
			Health:   domain.Config{},
		}
		newDom.AddSubscriber(subscriberName, subscriberOp)
		return t.Store.AddDomain(newDom)
	}

	if err := t.Store.AddEngineConfig(t.Owner, domainID, domain.Config{"preserve_n": count}); err != nil {
		return err
	}
	for _, sub := range dom.Subscribers {
		if sub.Name == subscriberName && sub.Op == subscriberOp {
			return nil
		}
	}
	return t.Store.AddSubscriber(t.Owner, domainID, subscriberName, subscriberOp)
}

// RetireNode appends instanceID to the owning domain's retirable_nodes
// preference list, so the next decide cycle prefers it for destruction
// over a random valid instance (spec.md §4.3's retirable_nodes key).
func (t *NeedTranslator) RetireNode(ctx context.Context, instanceID string) error {
	dom, err := t.Store.GetDomainForInstanceID(instanceID)
	if err != nil {
		return err
	}

	existing := retirableNodesOf(dom.Engine)
	for _, id := range existing {
		if id == instanceID {
			return nil
		}
	}
	retirable := append(existing, instanceID)
	return t.Store.AddEngineConfig(dom.Owner, dom.DomainID, domain.Config{"retirable_nodes": retirable})
}

// retirableNodesOf reads the retirable_nodes engine config key, which may
// come back as []string (freshly set in-process) or []any (round-tripped
// through the store's JSON config marshaling).
func retirableNodesOf(conf domain.Config) []string {
	switch v := conf["retirable_nodes"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
