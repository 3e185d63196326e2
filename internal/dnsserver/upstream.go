package dnsserver

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	// upstreamTimeout 单个上游服务器的查询超时
	upstreamTimeout = 3 * time.Second
	// negativeTTL 没有应答记录时的缓存时间
	negativeTTL = 60 * time.Second
	// maxCacheTTL 缓存时间上限
	maxCacheTTL = 10 * time.Minute
)

// upstream 把网格域名之外的查询转发给上游DNS服务器，并按应答TTL缓存结果
type upstream struct {
	servers []string
	client  *dns.Client
	cache   *answerCache
}

func newUpstream(servers []string) *upstream {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		normalized = append(normalized, s)
	}
	if len(normalized) == 0 {
		return nil
	}
	return &upstream{
		servers: normalized,
		client:  &dns.Client{Net: "udp", Timeout: upstreamTimeout},
		cache:   newAnswerCache(),
	}
}

// resolve 从随机的一个上游服务器开始依次尝试，直到某个服务器返回应答
func (u *upstream) resolve(req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, errors.New("无效的DNS请求：没有问题部分")
	}

	key := cacheKey(req.Question[0])
	if cached := u.cache.get(key); cached != nil {
		cached.Id = req.Id
		return cached, nil
	}

	var lastErr error
	start := rand.IntN(len(u.servers))
	for i := range u.servers {
		server := u.servers[(start+i)%len(u.servers)]
		resp, _, err := u.client.Exchange(req, server)
		if err != nil {
			lastErr = fmt.Errorf("上游DNS服务器%s: %w", server, err)
			continue
		}
		if resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError {
			u.cache.set(key, resp, responseTTL(resp))
		}
		return resp, nil
	}
	return nil, lastErr
}

// responseTTL 取应答记录中最小的TTL
func responseTTL(resp *dns.Msg) time.Duration {
	if len(resp.Answer) == 0 {
		return negativeTTL
	}
	minTTL := resp.Answer[0].Header().Ttl
	for _, rr := range resp.Answer[1:] {
		minTTL = min(minTTL, rr.Header().Ttl)
	}
	return min(time.Duration(minTTL)*time.Second, maxCacheTTL)
}

func cacheKey(q dns.Question) string {
	return fmt.Sprintf("%s|%d|%d", strings.ToLower(q.Name), q.Qtype, q.Qclass)
}

// answerCache 上游应答缓存
type answerCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	msg      *dns.Msg
	expireAt time.Time
}

func newAnswerCache() *answerCache {
	return &answerCache{entries: make(map[string]cacheEntry), now: time.Now}
}

// get 返回未过期记录的副本，过期记录顺便删除
func (c *answerCache) get(key string) *dns.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !c.now().Before(entry.expireAt) {
		delete(c.entries, key)
		return nil
	}
	return entry.msg.Copy()
}

func (c *answerCache) set(key string, msg *dns.Msg, ttl time.Duration) {
	if msg == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{msg: msg.Copy(), expireAt: c.now().Add(ttl)}
}
