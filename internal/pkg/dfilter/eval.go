package dfilter

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/yl2chen/cidranger"
)

type node interface {
	match(v FieldView) bool
	collect(fields map[string]struct{})
}

type boolOp int

const (
	opAND boolOp = iota
	opOR
	opNOT
)

// boolNode combines sub-expressions; right is nil for NOT.
type boolNode struct {
	op    boolOp
	left  node
	right node
}

func (b *boolNode) match(v FieldView) bool {
	switch b.op {
	case opAND:
		return b.left.match(v) && b.right.match(v)
	case opOR:
		return b.left.match(v) || b.right.match(v)
	case opNOT:
		return !b.left.match(v)
	default:
		return false
	}
}

func (b *boolNode) collect(fields map[string]struct{}) {
	b.left.collect(fields)
	if b.right != nil {
		b.right.collect(fields)
	}
}

type presenceNode struct {
	field string
}

func (p *presenceNode) match(v FieldView) bool {
	_, ok := v.FieldValues(p.field)
	return ok
}

func (p *presenceNode) collect(fields map[string]struct{}) {
	fields[p.field] = struct{}{}
}

type cmpOp int

const (
	opInvalid cmpOp = iota
	opEQ
	opNE
	opLT
	opLE
	opGT
	opGE
	opContains
	opIn
)

type literalKind int

const (
	kindString literalKind = iota
	kindNumber
	kindIP
	kindNet
)

type literal struct {
	kind literalKind
	raw  string
	str  string
	num  float64
	ip   net.IP
	nw   *net.IPNet
}

// classifyLiteral decides how an unquoted token compares: as a number, an
// address, a network, or a bare string.
func classifyLiteral(s string) literal {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return literal{kind: kindNumber, num: float64(n), raw: s}
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return literal{kind: kindNumber, num: float64(n), raw: s}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return literal{kind: kindNumber, num: f, raw: s}
	}
	if ip := net.ParseIP(s); ip != nil {
		return literal{kind: kindIP, ip: ip, raw: s}
	}
	if _, nw, err := net.ParseCIDR(s); err == nil {
		return literal{kind: kindNet, nw: nw, raw: s}
	}
	switch strings.ToLower(s) {
	case "true":
		return literal{kind: kindNumber, num: 1, raw: s}
	case "false":
		return literal{kind: kindNumber, num: 0, raw: s}
	}
	return literal{kind: kindString, str: s, raw: s}
}

// compareNode is true when any occurrence of field satisfies the comparison.
// For != it is true when the field is present and no occurrence is equal.
type compareNode struct {
	field string
	op    cmpOp
	lit   literal
}

func (c *compareNode) match(v FieldView) bool {
	values, ok := v.FieldValues(c.field)
	if !ok {
		return false
	}
	if c.op == opNE {
		for _, val := range values {
			if compareValue(val, opEQ, c.lit) {
				return false
			}
		}
		return true
	}
	for _, val := range values {
		if compareValue(val, c.op, c.lit) {
			return true
		}
	}
	return false
}

func (c *compareNode) collect(fields map[string]struct{}) {
	fields[c.field] = struct{}{}
}

func compareValue(val any, op cmpOp, lit literal) bool {
	if val == nil {
		return false
	}

	switch lit.kind {
	case kindNumber:
		if op == opContains {
			return strings.Contains(toString(val), lit.raw)
		}
		n, ok := toNumber(val)
		if !ok {
			return false
		}
		return ordered(op, compareFloat(n, lit.num))
	case kindIP:
		ip, ok := toIP(val)
		if !ok {
			return false
		}
		return ordered(op, bytes.Compare(ip.To16(), lit.ip.To16()))
	case kindNet:
		ip, ok := toIP(val)
		if !ok {
			return false
		}
		if op == opEQ {
			return lit.nw.Contains(ip)
		}
		return false
	default:
		s := toString(val)
		if op == opContains {
			return strings.Contains(s, lit.str)
		}
		return ordered(op, strings.Compare(s, lit.str))
	}
}

func ordered(op cmpOp, c int) bool {
	switch op {
	case opEQ:
		return c == 0
	case opNE:
		return c != 0
	case opLT:
		return c < 0
	case opLE:
		return c <= 0
	case opGT:
		return c > 0
	case opGE:
		return c >= 0
	default:
		return false
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toIP(v any) (net.IP, bool) {
	switch ip := v.(type) {
	case net.IP:
		return ip, ip != nil
	case string:
		parsed := net.ParseIP(ip)
		return parsed, parsed != nil
	default:
		return nil, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// valueSet holds the members of an "in {...}" expression. Addresses and
// networks go into a CIDR trie so membership is a single lookup.
type valueSet struct {
	numbers map[float64]struct{}
	strings map[string]struct{}
	ranger  cidranger.Ranger
	nets    int
}

func newValueSet() *valueSet {
	return &valueSet{
		numbers: make(map[float64]struct{}),
		strings: make(map[string]struct{}),
		ranger:  cidranger.NewPCTrieRanger(),
	}
}

func (s *valueSet) add(lit literal) error {
	switch lit.kind {
	case kindNumber:
		s.numbers[lit.num] = struct{}{}
	case kindIP:
		bits := 128
		ip := lit.ip
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 32
		}
		nw := net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		if err := s.ranger.Insert(cidranger.NewBasicRangerEntry(nw)); err != nil {
			return syntaxErr("bad address %s: %v", lit.raw, err)
		}
		s.nets++
	case kindNet:
		if err := s.ranger.Insert(cidranger.NewBasicRangerEntry(*lit.nw)); err != nil {
			return syntaxErr("bad network %s: %v", lit.raw, err)
		}
		s.nets++
	default:
		s.strings[lit.str] = struct{}{}
	}
	return nil
}

func (s *valueSet) contains(val any) bool {
	if val == nil {
		return false
	}
	if s.nets > 0 {
		if ip, ok := toIP(val); ok {
			if hit, err := s.ranger.Contains(ip); err == nil && hit {
				return true
			}
		}
	}
	if len(s.numbers) > 0 {
		if n, ok := toNumber(val); ok {
			if _, hit := s.numbers[n]; hit {
				return true
			}
		}
	}
	if len(s.strings) > 0 {
		if _, hit := s.strings[toString(val)]; hit {
			return true
		}
	}
	return false
}

type inNode struct {
	field string
	set   *valueSet
}

func (n *inNode) match(v FieldView) bool {
	values, ok := v.FieldValues(n.field)
	if !ok {
		return false
	}
	for _, val := range values {
		if n.set.contains(val) {
			return true
		}
	}
	return false
}

func (n *inNode) collect(fields map[string]struct{}) {
	fields[n.field] = struct{}{}
}
