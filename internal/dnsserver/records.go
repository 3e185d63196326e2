package dnsserver

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/miekg/dns"
)

// ServiceSource DNS记录的数据来源，由服务注册表实现
type ServiceSource interface {
	Get(id string) (*model.ServiceRecord, error)
	ListAll() []*model.ServiceRecord
}

// queryKind 查询名称的种类
type queryKind int

const (
	kindUnknown    queryKind = iota
	kindService              // <id>.<domain>
	kindServiceSRV           // _<id>._tcp.<domain>
	kindCapability           // _<capability>._cap.<domain>
)

// parseName 解析查询名称，返回名称种类和其中的服务ID或能力标签
func parseName(name, domain string) (queryKind, string) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	rest, ok := strings.CutSuffix(name, "."+domain)
	if !ok || rest == "" {
		return kindUnknown, ""
	}

	labels := strings.Split(rest, ".")
	switch {
	case len(labels) == 1:
		return kindService, labels[0]
	case len(labels) == 2 && labels[1] == "_tcp" && strings.HasPrefix(labels[0], "_"):
		return kindServiceSRV, strings.TrimPrefix(labels[0], "_")
	case len(labels) == 2 && labels[1] == "_cap" && strings.HasPrefix(labels[0], "_"):
		return kindCapability, strings.TrimPrefix(labels[0], "_")
	}
	return kindUnknown, ""
}

// endpoint 从服务地址中解析出主机和端口
func endpoint(baseURL string) (string, uint16, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("服务地址缺少主机: %s", baseURL)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			return host, 443, nil
		}
		return host, 80, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(p), nil
}

// recordBuilder 根据服务记录生成DNS资源记录
type recordBuilder struct {
	domain string
	ttl    uint32
}

func (b recordBuilder) fqdn(id string) string {
	return dns.Fqdn(strings.ToLower(id) + "." + b.domain)
}

func (b recordBuilder) header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: b.ttl}
}

// address 为<id>.<domain>生成A/AAAA/CNAME记录。
// 地址是IP时生成A或AAAA，是主机名时生成指向该主机名的CNAME。
func (b recordBuilder) address(svc *model.ServiceRecord, qtype uint16) []dns.RR {
	host, _, err := endpoint(svc.BaseURL)
	if err != nil {
		return nil
	}
	name := b.fqdn(svc.ID)

	ip := net.ParseIP(host)
	if ip == nil {
		if qtype == dns.TypeCNAME || qtype == dns.TypeA || qtype == dns.TypeAAAA {
			return []dns.RR{&dns.CNAME{Hdr: b.header(name, dns.TypeCNAME), Target: dns.Fqdn(host)}}
		}
		return nil
	}

	switch {
	case qtype == dns.TypeA && ip.To4() != nil:
		return []dns.RR{&dns.A{Hdr: b.header(name, dns.TypeA), A: ip.To4()}}
	case qtype == dns.TypeAAAA && ip.To4() == nil:
		return []dns.RR{&dns.AAAA{Hdr: b.header(name, dns.TypeAAAA), AAAA: ip}}
	}
	return nil
}

// txt 为<id>.<domain>生成描述服务的TXT记录
func (b recordBuilder) txt(svc *model.ServiceRecord) []dns.RR {
	txt := []string{
		"base_url=" + svc.BaseURL,
		"status=" + string(svc.Status.Effective()),
	}
	if svc.Name != "" {
		txt = append(txt, "name="+svc.Name)
	}
	if len(svc.Capabilities) > 0 {
		txt = append(txt, "capabilities="+strings.Join(svc.Capabilities, ","))
	}
	return []dns.RR{&dns.TXT{Hdr: b.header(b.fqdn(svc.ID), dns.TypeTXT), Txt: txt}}
}

// srv 生成指向<id>.<domain>的SRV记录
func (b recordBuilder) srv(name string, svc *model.ServiceRecord) (dns.RR, bool) {
	_, port, err := endpoint(svc.BaseURL)
	if err != nil {
		return nil, false
	}
	return &dns.SRV{
		Hdr:      b.header(name, dns.TypeSRV),
		Priority: 10,
		Weight:   10,
		Port:     port,
		Target:   b.fqdn(svc.ID),
	}, true
}
