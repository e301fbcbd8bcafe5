package probe

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/creds"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// SNMPDriver issues GET/GETBULK/WALK operations. GETBULK is preferred for
// v2c/v3 walks; v1 falls back to GETNEXT walking.
type SNMPDriver struct {
	clock       *device.ResultClock
	port        uint16
	timeout     time.Duration
	walkTimeout time.Duration
	maxRetries  int
}

// NewSNMPDriver builds the driver. timeout caps a single GET, walkTimeout a
// full table walk.
func NewSNMPDriver(clock *device.ResultClock, port int, timeout, walkTimeout time.Duration, retries int) *SNMPDriver {
	return &SNMPDriver{
		clock:       clock,
		port:        uint16(port),
		timeout:     timeout,
		walkTimeout: walkTimeout,
		maxRetries:  retries,
	}
}

// session builds a connected gosnmp session for the device. The caller must
// close the returned connection on every exit path.
func (d *SNMPDriver) session(ctx context.Context, dev device.Device, cred creds.Decrypted, timeout time.Duration) (*gosnmp.GoSNMP, error) {
	params := &gosnmp.GoSNMP{
		Context: ctx,
		Target:  dev.IP,
		Port:    d.port,
		Timeout: timeout,
		Retries: 0, // retry policy is ours, with jittered backoff
	}
	switch cred.Version {
	case creds.V1:
		params.Version = gosnmp.Version1
		params.Community = cred.Community
	case creds.V2c:
		params.Version = gosnmp.Version2c
		params.Community = cred.Community
	case creds.V3:
		params.Version = gosnmp.Version3
		params.SecurityModel = gosnmp.UserSecurityModel
		params.MsgFlags = gosnmp.AuthPriv
		params.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cred.User,
			AuthenticationProtocol:   authProtocol(cred.AuthProto),
			AuthenticationPassphrase: cred.AuthPass,
			PrivacyProtocol:          privProtocol(cred.PrivProto),
			PrivacyPassphrase:        cred.PrivPass,
		}
	default:
		return nil, fmt.Errorf("unknown snmp version %q", cred.Version)
	}
	if err := params.Connect(); err != nil {
		return nil, err
	}
	return params, nil
}

func authProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5
	case "SHA256":
		return gosnmp.SHA256
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.SHA
	}
}

func privProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.AES
	}
}

// Poll issues a GET for sysName/sysDescr/sysLocation. Transient failures are
// retried up to maxRetries with jittered exponential backoff; persistent
// failures (auth, ACL) are not retried within the cycle.
func (d *SNMPDriver) Poll(ctx context.Context, dev device.Device, cred creds.Decrypted) device.ProbeResult {
	oids := []string{oidSysName, oidSysDescr, oidSysLocation}

	var reason string
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ProbeRetries.WithLabelValues(string(device.ProbeSNMP)).Inc()
			// Jittered backoff so a struggling agent is not hammered in lockstep.
			delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
			select {
			case <-ctx.Done():
				ts, seq := d.clock.Next(dev.ID)
				return device.NewFailureResult(dev, device.ProbeSNMP, ts, seq, device.ReasonCancelled)
			case <-time.After(delay):
			}
			backoff *= 2
		}

		varbinds, err := d.getOnce(ctx, dev, cred, oids)
		if err == nil {
			ts, seq := d.clock.Next(dev.ID)
			metrics.ProbesTotal.WithLabelValues(string(device.ProbeSNMP), "ok").Inc()
			return device.ProbeResult{
				DeviceID:  dev.ID,
				DeviceIP:  dev.IP,
				Kind:      device.ProbeSNMP,
				Timestamp: ts,
				Seq:       seq,
				Reachable: true,
				Varbinds:  varbinds,
			}
		}

		reason = classifySNMPError(ctx, err)
		log.Debug().Str("ip", dev.IP).Str("reason", reason).Err(err).Msg("SNMP query failed")
		if device.PersistentReason(reason) || reason == device.ReasonCancelled {
			break
		}
	}

	metrics.ProbesTotal.WithLabelValues(string(device.ProbeSNMP), reason).Inc()
	ts, seq := d.clock.Next(dev.ID)
	return device.NewFailureResult(dev, device.ProbeSNMP, ts, seq, reason)
}

func (d *SNMPDriver) getOnce(ctx context.Context, dev device.Device, cred creds.Decrypted, oids []string) ([]device.Varbind, error) {
	sess, err := d.session(ctx, dev, cred, d.timeout)
	if err != nil {
		return nil, err
	}
	defer sess.Conn.Close()

	resp, err := sess.Get(oids)
	if err != nil {
		return nil, err
	}
	varbinds := make([]device.Varbind, 0, len(resp.Variables))
	for _, v := range resp.Variables {
		if v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.NoSuchObject {
			continue
		}
		val := v.Value
		if s, err := sanitizeSNMPString(val); err == nil {
			val = s
		}
		varbinds = append(varbinds, device.Varbind{OID: v.Name, Value: val})
	}
	if len(varbinds) == 0 {
		return nil, fmt.Errorf("no valid SNMP data retrieved")
	}
	return varbinds, nil
}

// walk runs a full-table walk over one column OID, via GETBULK where the
// protocol version supports it.
func (d *SNMPDriver) walk(ctx context.Context, dev device.Device, cred creds.Decrypted, oid string, fn gosnmp.WalkFunc) error {
	sess, err := d.session(ctx, dev, cred, d.timeout)
	if err != nil {
		return err
	}
	defer sess.Conn.Close()

	deadline := time.Now().Add(d.walkTimeout)
	wrapped := func(pdu gosnmp.SnmpPDU) error {
		if time.Now().After(deadline) {
			return fmt.Errorf("walk deadline exceeded for %s", oid)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(pdu)
	}
	if cred.Version == creds.V1 {
		return sess.Walk(oid, wrapped)
	}
	return sess.BulkWalk(oid, wrapped)
}

// CollectInterfaces walks oper status and the octet/error/discard counters.
func (d *SNMPDriver) CollectInterfaces(ctx context.Context, dev device.Device, cred creds.Decrypted) ([]InterfaceSample, error) {
	samples := make(map[int]*InterfaceSample)
	get := func(idx int) *InterfaceSample {
		s, ok := samples[idx]
		if !ok {
			s = &InterfaceSample{DeviceID: dev.ID, IfIndex: idx}
			samples[idx] = s
		}
		return s
	}

	columns := []struct {
		oid   string
		apply func(s *InterfaceSample, v uint64)
	}{
		{oidIfOperStatus, func(s *InterfaceSample, v uint64) { s.OperStatus = int(v) }},
		{oidIfHCInOctets, func(s *InterfaceSample, v uint64) { s.HCInOctets = v }},
		{oidIfHCOutOcts, func(s *InterfaceSample, v uint64) { s.HCOutOctets = v }},
		{oidIfInErrors, func(s *InterfaceSample, v uint64) { s.InErrors = v }},
		{oidIfOutErrors, func(s *InterfaceSample, v uint64) { s.OutErrors = v }},
		{oidIfInDiscards, func(s *InterfaceSample, v uint64) { s.InDiscards = v }},
		{oidIfOutDiscards, func(s *InterfaceSample, v uint64) { s.OutDiscards = v }},
	}
	for _, col := range columns {
		oid := col.oid
		apply := col.apply
		err := d.walk(ctx, dev, cred, oid, func(pdu gosnmp.SnmpPDU) error {
			idx, ok := ifIndexOf(pdu.Name, oid)
			if !ok {
				return nil
			}
			apply(get(idx), gosnmp.ToBigInt(pdu.Value).Uint64())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]InterfaceSample, 0, len(samples))
	for _, s := range samples {
		out = append(out, *s)
	}
	return out, nil
}

// DiscoverInterfaces walks descriptive columns and classifies each port.
func (d *SNMPDriver) DiscoverInterfaces(ctx context.Context, dev device.Device, cred creds.Decrypted) ([]device.Interface, error) {
	ifaces := make(map[int]*device.Interface)
	get := func(idx int) *device.Interface {
		i, ok := ifaces[idx]
		if !ok {
			i = &device.Interface{DeviceID: dev.ID, IfIndex: idx}
			ifaces[idx] = i
		}
		return i
	}

	type column struct {
		oid   string
		apply func(i *device.Interface, pdu gosnmp.SnmpPDU)
	}
	columns := []column{
		{oidIfDescr, func(i *device.Interface, pdu gosnmp.SnmpPDU) {
			if s, err := sanitizeSNMPString(pdu.Value); err == nil {
				i.IfName = s
			}
		}},
		{oidIfAlias, func(i *device.Interface, pdu gosnmp.SnmpPDU) {
			if s, err := sanitizeSNMPString(pdu.Value); err == nil {
				i.IfAlias = s
			}
		}},
		{oidIfAdminStatus, func(i *device.Interface, pdu gosnmp.SnmpPDU) {
			i.AdminStatus = int(gosnmp.ToBigInt(pdu.Value).Int64())
		}},
		{oidIfOperStatus, func(i *device.Interface, pdu gosnmp.SnmpPDU) {
			i.OperStatus = int(gosnmp.ToBigInt(pdu.Value).Int64())
		}},
		{oidIfHighSpeed, func(i *device.Interface, pdu gosnmp.SnmpPDU) {
			i.SpeedMbps = gosnmp.ToBigInt(pdu.Value).Uint64()
		}},
	}
	for _, col := range columns {
		oid := col.oid
		apply := col.apply
		err := d.walk(ctx, dev, cred, oid, func(pdu gosnmp.SnmpPDU) error {
			if idx, ok := ifIndexOf(pdu.Name, oid); ok {
				apply(get(idx), pdu)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]device.Interface, 0, len(ifaces))
	for _, i := range ifaces {
		i.Type = device.ClassifyInterface(i.IfName, i.IfAlias)
		i.ISPProvider = device.ISPProviderFor(i.IfAlias)
		i.IsCritical = i.Type == device.IfTypeISP || i.Type == device.IfTypeWAN
		out = append(out, *i)
	}
	return out, nil
}

// ifIndexOf extracts the trailing ifIndex from a walked column OID.
func ifIndexOf(name, column string) (int, bool) {
	name = strings.TrimPrefix(name, ".")
	if !strings.HasPrefix(name, column+".") {
		return 0, false
	}
	idx, err := strconv.Atoi(name[len(column)+1:])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// classifySNMPError maps library errors onto the failure taxonomy.
func classifySNMPError(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return device.ReasonCancelled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "unknown user") || strings.Contains(msg, "wrong digest"):
		return device.ReasonAuthFailed
	case strings.Contains(msg, "noaccess") || strings.Contains(msg, "no_access"):
		return device.ReasonACLDenied
	case strings.Contains(msg, "unreachable"):
		return device.ReasonUnreachable
	case strings.Contains(msg, "timeout"):
		return device.ReasonTimeout
	default:
		return device.ReasonMalformed
	}
}

// sanitizeSNMPString validates and sanitizes SNMP string values.
func sanitizeSNMPString(value interface{}) (string, error) {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return "", fmt.Errorf("expected string or []byte, got %T", value)
	}

	// Security: reject strings containing null bytes
	if strings.ContainsRune(str, 0) {
		return "", fmt.Errorf("string contains null byte")
	}

	// Limit string length to prevent memory exhaustion
	if len(str) > 1024 {
		str = str[:1024] + "..."
	}

	// Replace newlines and tabs with spaces, drop other non-printables.
	sanitized := make([]byte, 0, len(str))
	for i := 0; i < len(str); i++ {
		ch := str[i]
		if ch == '\n' || ch == '\r' || ch == '\t' {
			sanitized = append(sanitized, ' ')
		} else if ch >= 32 && ch <= 126 {
			sanitized = append(sanitized, ch)
		}
	}
	result := strings.TrimSpace(string(sanitized))
	if result == "" {
		return "", fmt.Errorf("empty after sanitization")
	}
	return result, nil
}
