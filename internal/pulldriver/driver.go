package pulldriver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog/log"

	"github.com/flowcore-project/flowcore/internal/poller"
)

// Config is a PullFeedDriver node's static configuration.
type Config struct {
	Name              string
	DiscoveryService  string
	Collection        string
	Prefix            string
	SideConfigPath    string
	ConfidenceMap     map[string]int
	RetryLimitPerSec  float64
	RetryBurst        int
	Credentials       Credentials
	// InitialInterval bounds how far back the first poll after startup
	// reaches, mirroring taxii.py's initial_interval (default 1 day).
	InitialInterval time.Duration
}

// defaultConfidenceMap mirrors taxii.py's default low/medium/high mapping.
func defaultConfidenceMap() map[string]int {
	return map[string]int{"low": 40, "medium": 60, "high": 80}
}

// typeMapping fixes the upstream vocabulary swap between URL and domain
// (Open Question #3): URL indicators get the URL watchlist term, domain
// indicators get the domain watchlist term.
var typeMapping = map[string]string{
	"IPv4":   "IP Watchlist",
	"IPv6":   "IP Watchlist",
	"URL":    "URL Watchlist",
	"domain": "Domain Watchlist",
}

// sideConfig is the hot-reloadable credential overlay, the same role
// taxii.py's _load_side_config plays: credentials live outside the main
// graph config so they can rotate without a full reload.
type sideConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// rawItem is one poll-response indicator, carrying every piece the
// driver needs to fan it out into per-observable Pairs in ProcessItem.
type rawItem struct {
	id          string
	confidence  *int
	observables []decodedObservable
	ttps        []decodedTTP
}

// PullFeedDriver implements poller.FeedSource against a discovery/poll/
// fulfillment protocol shaped like TAXII 1.1, adapted from taxii.py's
// TaxiiClient via composition instead of inheritance.
type PullFeedDriver struct {
	cfg Config

	mu                   sync.Mutex
	transport            *Transport
	pollServiceAddr      string
	collectionMgmtAddr   string
	lastObservables      map[string]decodedObservable
	lastTTPs             map[string]decodedTTP
	lastPollMS           *int64
}

// New constructs a PullFeedDriver and loads its side config once.
func New(cfg Config) (*PullFeedDriver, error) {
	if cfg.ConfidenceMap == nil {
		cfg.ConfidenceMap = defaultConfidenceMap()
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 24 * time.Hour
	}
	d := &PullFeedDriver{cfg: cfg}
	if err := d.reloadSideConfig(); err != nil {
		log.Warn().Err(err).Str("node", cfg.Name).Msg("could not load side config, continuing with graph-config credentials")
	}
	if err := d.rebuildTransport(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PullFeedDriver) rebuildTransport() error {
	limit := rate.Limit(d.cfg.RetryLimitPerSec)
	if limit <= 0 {
		limit = rate.Limit(1)
	}
	burst := d.cfg.RetryBurst
	if burst <= 0 {
		burst = 1
	}
	t, err := NewTransport(d.cfg.Credentials, limit, burst)
	if err != nil {
		return fmt.Errorf("pulldriver: %w", err)
	}
	d.mu.Lock()
	d.transport = t
	d.mu.Unlock()
	return nil
}

// reloadSideConfig reads the YAML side-config file, if configured, and
// overlays its username/password onto the driver's credentials.
func (d *PullFeedDriver) reloadSideConfig() error {
	if d.cfg.SideConfigPath == "" {
		return nil
	}
	data, err := os.ReadFile(d.cfg.SideConfigPath)
	if err != nil {
		return fmt.Errorf("read side config: %w", err)
	}
	var sc sideConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("parse side config: %w", err)
	}
	if sc.Username != "" && sc.Password != "" {
		d.cfg.Credentials.Username = sc.Username
		d.cfg.Credentials.Password = sc.Password
		log.Info().Str("node", d.cfg.Name).Msg("loaded credentials from side config")
	}
	return nil
}

// Hup reloads the side config and rebuilds the transport so a rotated
// credential takes effect on the node's next poll, mirroring taxii.py's
// hup() override.
func (d *PullFeedDriver) Hup() {
	if err := d.reloadSideConfig(); err != nil {
		log.Error().Err(err).Str("node", d.cfg.Name).Msg("side config reload failed")
		return
	}
	if err := d.rebuildTransport(); err != nil {
		log.Error().Err(err).Str("node", d.cfg.Name).Msg("transport rebuild after hup failed")
	}
}

func (d *PullFeedDriver) discover(ctx context.Context) error {
	var resp discoveryResponse
	req := discoveryRequest{MessageID: newMessageID()}
	if err := d.transport.call(ctx, d.cfg.DiscoveryService, req, &resp); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	for _, si := range resp.ServiceInstances {
		if si.ServiceType == serviceTypeCollectionManagement {
			d.collectionMgmtAddr = si.ServiceAddress
			return nil
		}
	}
	return fmt.Errorf("discovery: no collection management service advertised")
}

func (d *PullFeedDriver) checkCollection(ctx context.Context) error {
	var resp collectionInfoResponse
	req := collectionInfoRequest{MessageID: newMessageID()}
	if err := d.transport.call(ctx, d.collectionMgmtAddr, req, &resp); err != nil {
		return fmt.Errorf("collection information: %w", err)
	}
	for _, ci := range resp.CollectionInformations {
		if ci.CollectionName != d.cfg.Collection {
			continue
		}
		if ci.CollectionType != collectionTypeDataFeed {
			return fmt.Errorf("collection %q is not a data feed (%s)", d.cfg.Collection, ci.CollectionType)
		}
		if len(ci.PollingServiceInstances) == 0 {
			return fmt.Errorf("collection %q does not support polling", d.cfg.Collection)
		}
		d.pollServiceAddr = ci.PollingServiceInstances[0].PollAddress
		return nil
	}
	return fmt.Errorf("collection %q not found", d.cfg.Collection)
}

func (d *PullFeedDriver) poll(ctx context.Context, begin, end string) ([]rawItem, error) {
	req := pollRequest{
		MessageID:                    newMessageID(),
		CollectionName:               d.cfg.Collection,
		ExclusiveBeginTimestampLabel: begin,
		InclusiveEndTimestampLabel:   end,
	}
	var resp pollResponse
	if err := d.transport.call(ctx, d.pollServiceAddr, req, &resp); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	indicators := make(map[string]*decodedIndicator)
	observables := make(map[string]decodedObservable)
	ttps := make(map[string]decodedTTP)

	if err := decodeContentBlocks(resp.ContentBlocks, d.cfg.ConfidenceMap, indicators, observables, ttps); err != nil {
		return nil, err
	}

	for resp.More {
		fReq := fulfillmentRequest{
			MessageID:        newMessageID(),
			CollectionName:   d.cfg.Collection,
			ResultID:         resp.ResultID,
			ResultPartNumber: resp.ResultPartNumber + 1,
		}
		var fResp pollResponse
		if err := d.transport.call(ctx, d.pollServiceAddr, fReq, &fResp); err != nil {
			return nil, fmt.Errorf("fulfillment: %w", err)
		}
		if err := decodeContentBlocks(fResp.ContentBlocks, d.cfg.ConfidenceMap, indicators, observables, ttps); err != nil {
			return nil, err
		}
		resp = fResp
	}

	d.lastObservables = observables
	d.lastTTPs = ttps

	items := make([]rawItem, 0, len(indicators))
	for id, di := range indicators {
		items = append(items, rawItem{id: id, confidence: di.confidence, observables: di.observables, ttps: di.ttps})
	}
	return items, nil
}

// listIterator is a poller.Iterator over a pre-fetched slice of rawItems.
type listIterator struct {
	items []rawItem
	pos   int
}

func (it *listIterator) Next(ctx context.Context) (any, bool, error) {
	if it.pos >= len(it.items) {
		return nil, false, nil
	}
	item := it.items[it.pos]
	it.pos++
	return item, true, nil
}

func (it *listIterator) Close() {}

// BuildIterator runs discovery, confirms the collection, polls for
// everything since the driver's last successful poll (or the configured
// initial interval on first run), and buffers the decoded result.
func (d *PullFeedDriver) BuildIterator(ctx context.Context, now int64) (poller.Iterator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.collectionMgmtAddr == "" {
		if err := d.discover(ctx); err != nil {
			return nil, fmt.Errorf("pulldriver: %w", err)
		}
	}
	if d.pollServiceAddr == "" {
		if err := d.checkCollection(ctx); err != nil {
			return nil, fmt.Errorf("pulldriver: %w", err)
		}
	}

	lastPollMS := d.lastPollMS
	var beginMS int64
	if lastPollMS != nil {
		beginMS = *lastPollMS
	} else {
		beginMS = now - d.cfg.InitialInterval.Milliseconds()
	}
	begin := time.UnixMilli(beginMS).UTC().Format(time.RFC3339)
	end := time.UnixMilli(now).UTC().Format(time.RFC3339)

	items, err := d.poll(ctx, begin, end)
	if err != nil {
		return nil, fmt.Errorf("pulldriver: %w", err)
	}
	d.lastPollMS = &now
	return &listIterator{items: items}, nil
}

// ProcessItem fans a rawItem out into one Pair per contributing
// observable, resolving idrefs against the batch's observable/ttp pools
// and attaching the node's confidence and prefix-keyed attributes.
func (d *PullFeedDriver) ProcessItem(item any) ([]poller.Pair, error) {
	ri, ok := item.(rawItem)
	if !ok {
		return nil, fmt.Errorf("pulldriver: unexpected item type %T", item)
	}

	base := map[string]any{
		fmt.Sprintf("%s_indicator", d.cfg.Prefix): ri.id,
	}
	if ri.confidence != nil {
		base["confidence"] = *ri.confidence
	}
	if len(ri.ttps) > 0 {
		ttp := ri.ttps[0]
		if ttp.idref != "" {
			if resolved, ok := d.lastTTPs[ttp.idref]; ok {
				ttp = resolved
			}
		}
		if ttp.description != "" {
			base[fmt.Sprintf("%s_ttp", d.cfg.Prefix)] = ttp.description
		}
	}

	var pairs []poller.Pair
	for _, o := range ri.observables {
		ob := o
		v := make(map[string]any, len(base)+2)
		for k, val := range base {
			v[k] = val
		}

		if ob.idref != "" {
			resolved, ok := d.lastObservables[ob.idref]
			if !ok {
				continue
			}
			v[fmt.Sprintf("%s_observable", d.cfg.Prefix)] = ob.idref
			ob = resolved
		}

		v["type"] = ob.kind
		if vocab, ok := typeMapping[ob.kind]; ok {
			v["indicator_type"] = vocab
		}
		if ob.direction != "" {
			v["direction"] = ob.direction
		}

		indicator := strings.TrimSpace(ob.indicator)
		if indicator == "" {
			continue
		}
		pairs = append(pairs, poller.Pair{Indicator: indicator, Attributes: v})
	}
	return pairs, nil
}

var messageIDCounter struct {
	mu sync.Mutex
	n  uint64
}

// newMessageID returns a monotonically increasing message id, standing
// in for libtaxii's generate_message_id(); uniqueness within a process
// is all the protocol requires.
func newMessageID() string {
	messageIDCounter.mu.Lock()
	defer messageIDCounter.mu.Unlock()
	messageIDCounter.n++
	return fmt.Sprintf("flowcore-%d", messageIDCounter.n)
}
