// Package dnsserver 通过DNS暴露服务注册表，按服务ID或能力标签发现服务
package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Server DNS服务器
type Server struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	cfg       *config.Config
	handler   *Handler
	logger    config.Logger
}

// NewServer 创建DNS服务器
func NewServer(cfg *config.Config, source ServiceSource, logger config.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewHandler(source, cfg.DNS.Domain, cfg.DNS.TTL, logger, WithUpstream(cfg.DNS.Upstream)),
		logger:  logger,
	}
}

// Start 启动DNS服务器，端口绑定失败时直接返回错误
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))
	s.logger.Info("启动DNS服务器",
		zap.String("address", addr),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("domain", s.cfg.DNS.Domain))

	switch s.cfg.DNS.Protocol {
	case "udp":
		return s.startUDPServer(addr)
	case "tcp":
		return s.startTCPServer(addr)
	case "both", "":
		if err := s.startUDPServer(addr); err != nil {
			return err
		}
		// UDP使用随机端口时，TCP绑定到同一个端口
		if s.cfg.DNS.Port == 0 {
			addr = s.udpServer.PacketConn.LocalAddr().String()
		}
		return s.startTCPServer(addr)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
}

// startUDPServer 启动UDP服务器
func (s *Server) startUDPServer(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("监听UDP地址失败: %w", err)
	}
	s.udpServer = &dns.Server{PacketConn: pc, Net: "udp", Handler: s.handler}
	return s.serve(s.udpServer)
}

// startTCPServer 启动TCP服务器
func (s *Server) startTCPServer(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听TCP地址失败: %w", err)
	}
	s.tcpServer = &dns.Server{Listener: l, Net: "tcp", Handler: s.handler}
	return s.serve(s.tcpServer)
}

// serve 在后台运行服务器，等待其就绪后返回
func (s *Server) serve(srv *dns.Server) error {
	started := make(chan struct{})
	errCh := make(chan error, 1)
	srv.NotifyStartedFunc = func() { close(started) }

	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("DNS服务器错误", zap.String("net", srv.Net), zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-started:
		return nil
	case err := <-errCh:
		return err
	}
}

// UDPAddr 返回UDP监听地址，未启动时返回nil
func (s *Server) UDPAddr() net.Addr {
	if s.udpServer == nil {
		return nil
	}
	return s.udpServer.PacketConn.LocalAddr()
}

// TCPAddr 返回TCP监听地址，未启动时返回nil
func (s *Server) TCPAddr() net.Addr {
	if s.tcpServer == nil {
		return nil
	}
	return s.tcpServer.Listener.Addr()
}

// Shutdown 优雅关闭DNS服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	return nil
}

// Handler 实现dns.Handler，根据注册表实时生成应答
type Handler struct {
	source   ServiceSource
	domain   string
	builder  recordBuilder
	upstream *upstream
	logger   config.Logger
}

// HandlerOption DNS请求处理器配置项
type HandlerOption func(*Handler)

// WithUpstream 把网格域名之外的查询转发到上游服务器，servers为空时不转发
func WithUpstream(servers []string) HandlerOption {
	return func(h *Handler) { h.upstream = newUpstream(servers) }
}

// NewHandler 创建DNS请求处理器
func NewHandler(source ServiceSource, domain string, ttl int, logger config.Logger, opts ...HandlerOption) *Handler {
	domain = strings.Trim(strings.ToLower(domain), ".")
	h := &Handler{
		source:  source,
		domain:  domain,
		builder: recordBuilder{domain: domain, ttl: uint32(ttl)},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// inDomain 判断名称是否属于网格域名
func (h *Handler) inDomain(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	return name == h.domain || strings.HasSuffix(name, "."+h.domain)
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		h.write(w, m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}

	q := r.Question[0]
	h.logger.Debug("收到DNS查询",
		zap.String("name", q.Name),
		zap.String("type", dns.TypeToString[q.Qtype]),
		zap.String("client", w.RemoteAddr().String()))

	if h.upstream != nil && !h.inDomain(q.Name) {
		h.forward(w, r)
		return
	}

	answers, exists := h.answer(q)
	if !exists {
		m.Rcode = dns.RcodeNameError
	} else {
		// 名称存在但没有该类型记录时返回空应答(NODATA)
		m.Authoritative = true
		m.Answer = append(m.Answer, answers...)
	}
	h.write(w, m)
}

// answer 返回查询的应答记录，exists表示查询名称是否存在
func (h *Handler) answer(q dns.Question) ([]dns.RR, bool) {
	kind, key := parseName(q.Name, h.domain)
	switch kind {
	case kindService:
		svc, ok := h.lookup(key)
		if !ok {
			return nil, false
		}
		switch q.Qtype {
		case dns.TypeTXT:
			return h.builder.txt(svc), true
		case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME:
			return h.builder.address(svc, q.Qtype), true
		case dns.TypeANY:
			rrs := h.builder.address(svc, dns.TypeA)
			rrs = append(rrs, h.builder.address(svc, dns.TypeAAAA)...)
			return append(rrs, h.builder.txt(svc)...), true
		}
		return nil, true

	case kindServiceSRV:
		svc, ok := h.lookup(key)
		if !ok {
			return nil, false
		}
		if q.Qtype != dns.TypeSRV {
			return nil, true
		}
		rr, ok := h.builder.srv(dns.Fqdn(q.Name), svc)
		if !ok {
			return nil, true
		}
		return []dns.RR{rr}, true

	case kindCapability:
		// 只返回在线的服务
		var online []*model.ServiceRecord
		for _, svc := range h.source.ListAll() {
			if svc.Status.Effective() == model.StatusOnline && hasCapabilityFold(svc, key) {
				online = append(online, svc)
			}
		}
		if len(online) == 0 {
			return nil, false
		}
		if q.Qtype != dns.TypeSRV {
			return nil, true
		}
		var rrs []dns.RR
		for _, svc := range online {
			if rr, ok := h.builder.srv(dns.Fqdn(q.Name), svc); ok {
				rrs = append(rrs, rr)
			}
		}
		return rrs, true
	}
	return nil, false
}

// lookup 不区分大小写地查找服务。查询名称已转为小写，
// 先按小写ID精确查找，找不到时再逐个比较，多个ID只有大小写不同时取排序最前的一个
func (h *Handler) lookup(id string) (*model.ServiceRecord, bool) {
	if svc, err := h.source.Get(id); err == nil {
		return svc, true
	}
	for _, svc := range h.source.ListAll() {
		if strings.EqualFold(svc.ID, id) {
			return svc, true
		}
	}
	return nil, false
}

func hasCapabilityFold(svc *model.ServiceRecord, tag string) bool {
	for _, c := range svc.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// forward 转发到上游，全部上游都失败时返回SERVFAIL
func (h *Handler) forward(w dns.ResponseWriter, r *dns.Msg) {
	resp, err := h.upstream.resolve(r)
	if err != nil {
		h.logger.Warn("上游DNS查询失败", zap.String("name", r.Question[0].Name), zap.Error(err))
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		h.write(w, m)
		return
	}
	h.write(w, resp)
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}
