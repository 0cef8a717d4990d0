//go:build linux

package capture

import (
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/die-net/divert/internal/errors"
)

const tableName = "divert"

// ruleset is the nftables table that steers traffic into the queue.
type ruleset struct {
	table *nftables.Table
}

func installRules(cfg Config, loIdx int) (*ruleset, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "capture: nftables")
	}

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: tableName}
	// Start from a clean table if a previous run left one behind.
	conn.AddTable(table)
	conn.DelTable(table)
	conn.AddTable(table)

	chain := conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    table,
		Type:     nftables.ChainTypeRoute,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityMangle,
	})

	for _, exprs := range buildRules(cfg, loIdx) {
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
	}

	if err := conn.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "capture: install nftables rules")
	}
	return &ruleset{table: table}, nil
}

// buildRules returns, in order: accept our own marked packets, skip non-TCP,
// skip the gateway, skip traffic to the listener, capture traffic from the
// listener, skip loopback unless configured otherwise, capture the rest.
func buildRules(cfg Config, loIdx int) [][]expr.Any {
	ret := &expr.Verdict{Kind: expr.VerdictReturn}
	queue := &expr.Queue{Num: cfg.QueueNum, Flag: expr.QueueFlagBypass}

	rules := [][]expr.Any{
		{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(cfg.Mark)},
			ret,
		},
		{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			ret,
		},
	}

	if gw := cfg.Gateway; gw.IsValid() {
		nfproto, offset := byte(unix.NFPROTO_IPV4), uint32(16)
		if gw.Addr().Is6() {
			nfproto, offset = unix.NFPROTO_IPV6, 24
		}
		rules = append(rules, []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: uint32(gw.Addr().BitLen() / 8)},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: gw.Addr().AsSlice()},
			loadDport(),
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(gw.Port())},
			ret,
		})
	}

	rules = append(rules,
		[]expr.Any{
			loadDport(),
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(cfg.ListenPort)},
			ret,
		},
		[]expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 0, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(cfg.ListenPort)},
			queue,
		},
	)

	if cfg.ExcludeLoopback {
		rules = append(rules, loopbackRule(loIdx, ret))
	}

	return append(rules, []expr.Any{queue})
}

// loopbackRule matches the loopback interface by index, or by name when the
// index could not be looked up.
func loopbackRule(loIdx int, verdict *expr.Verdict) []expr.Any {
	if loIdx != 0 {
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIF, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(loIdx))},
			verdict,
		}
	}
	name := make([]byte, unix.IFNAMSIZ)
	copy(name, "lo")
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: name},
		verdict,
	}
}

func loadDport() *expr.Payload {
	return &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2}
}

func (r *ruleset) remove() error {
	if r == nil {
		return nil
	}
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "capture: nftables")
	}
	conn.DelTable(r.table)
	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "capture: remove table %s", tableName)
	}
	return nil
}
