// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connstring parses a mongodb:// or mongodb+srv:// connection string into a ConnString,
// the neutral representation mongo/options builds a ClientOptions from. SRV URIs are resolved via
// DNS (SRV for the host list, TXT for additional options) per §4.0/§6 of the driver design.
package connstring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Recognized URI schemes.
const (
	SchemeMongoDB    = "mongodb"
	SchemeMongoDBSRV = "mongodb+srv"
)

// DefaultSRVServiceName is the SRV service name looked up when srvServiceName is unset.
const DefaultSRVServiceName = "mongodb"

// Validation errors for option combinations that span multiple URI options, surfaced as-is by
// mongo/options.ClientOptionsBuilder.Validate.
var (
	ErrLoadBalancedWithMultipleHosts    = errors.New("a load balanced client cannot be configured with multiple hosts")
	ErrLoadBalancedWithReplicaSet       = errors.New("loadBalanced cannot be combined with replicaSet")
	ErrLoadBalancedWithDirectConnection = errors.New("loadBalanced cannot be combined with directConnection")
	ErrSRVMaxHostsWithReplicaSet        = errors.New("srvMaxHosts cannot be combined with replicaSet")
	ErrSRVMaxHostsWithLoadBalanced      = errors.New("srvMaxHosts cannot be combined with loadBalanced")
)

// ConnString is the parsed, pre-validation representation of a connection string: syntactic
// pieces only (hosts, credentials, raw options). mongo/options.ClientOptions applies §6's default
// table and cross-option validation on top of this.
type ConnString struct {
	Original    string
	Scheme      string
	Hosts       []string
	Username    string
	Password    string
	PasswordSet bool
	Database    string

	// Options holds every query parameter, recognized or not, keyed by its lower-cased name; the
	// values given for one key keep the order in which they appeared. TXT-record options (SRV URIs only) are merged in last, so they never override an option the
	// URI itself specified.
	Options map[string][]string
}

// OptionSingle returns the last value provided for key (case-insensitive), and whether it was
// present at all.
func (cs *ConnString) OptionSingle(key string) (string, bool) {
	vals, ok := cs.Options[strings.ToLower(key)]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

// srvResolver is overridden by tests to avoid real DNS traffic.
type srvResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return net.DefaultResolver.LookupSRV(ctx, service, proto, name)
}

func (netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

var defaultResolver srvResolver = netResolver{}

// ParseAndValidate parses s into a ConnString, resolving mongodb+srv:// via DNS.
func ParseAndValidate(s string) (*ConnString, error) {
	return parse(context.Background(), s, defaultResolver)
}

func parse(ctx context.Context, s string, resolver srvResolver) (*ConnString, error) {
	cs := &ConnString{Original: s, Options: make(map[string][]string)}

	scheme, rest, ok := splitScheme(s)
	if !ok {
		return nil, errors.New(`scheme must be "mongodb" or "mongodb+srv"`)
	}
	cs.Scheme = scheme

	// rest is "[user:pass@]host1[:port1][,hostN[:portN]][/database][?opts]", all after "://".
	var userinfo, hostsAndPath string
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		userinfo, hostsAndPath = rest[:idx], rest[idx+1:]
	} else {
		hostsAndPath = rest
	}

	if userinfo != "" {
		if strings.Count(userinfo, ":") > 1 {
			return nil, errors.New("unescaped colon in userinfo")
		}
		if strings.ContainsAny(userinfo, "/") {
			return nil, errors.New("unescaped slash in username")
		}
		parts := strings.SplitN(userinfo, ":", 2)
		user, err := url.QueryUnescape(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid username: %w", err)
		}
		cs.Username = user
		if len(parts) == 2 {
			pass, err := url.QueryUnescape(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid password: %w", err)
			}
			cs.Password = pass
			cs.PasswordSet = true
		}
	}

	hostPart := hostsAndPath
	var dbAndQuery string
	if idx := strings.IndexAny(hostsAndPath, "/"); idx >= 0 {
		hostPart, dbAndQuery = hostsAndPath[:idx], hostsAndPath[idx+1:]
	}

	for _, h := range strings.Split(hostPart, ",") {
		if h == "" {
			continue
		}
		cs.Hosts = append(cs.Hosts, h)
	}
	if len(cs.Hosts) == 0 {
		return nil, errors.New("must have at least 1 host")
	}

	database := dbAndQuery
	var rawQuery string
	if idx := strings.IndexByte(dbAndQuery, '?'); idx >= 0 {
		database, rawQuery = dbAndQuery[:idx], dbAndQuery[idx+1:]
	}
	dbName, err := url.QueryUnescape(database)
	if err != nil {
		return nil, fmt.Errorf("invalid database name: %w", err)
	}
	cs.Database = dbName

	if err := mergeQuery(cs, rawQuery); err != nil {
		return nil, err
	}

	if scheme == SchemeMongoDBSRV {
		if len(cs.Hosts) != 1 {
			return nil, errors.New("a mongodb+srv:// URI must have exactly one host")
		}
		if err := resolveSRV(ctx, cs, resolver); err != nil {
			return nil, err
		}
	}

	return cs, nil
}

func splitScheme(s string) (scheme, rest string, ok bool) {
	const sep = "://"
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", false
	}
	scheme = s[:idx]
	if scheme != SchemeMongoDB && scheme != SchemeMongoDBSRV {
		return "", "", false
	}
	return scheme, s[idx+len(sep):], true
}

func mergeQuery(cs *ConnString, rawQuery string) error {
	if rawQuery == "" {
		return nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}
	for k, v := range values {
		key := strings.ToLower(k)
		cs.Options[key] = append(cs.Options[key], v...)
	}
	return nil
}

// resolveSRV rewrites cs.Hosts from a DNS SRV lookup against cs.Hosts[0], and merges any TXT
// record found for the same name as additional (lowest-precedence) options.
func resolveSRV(ctx context.Context, cs *ConnString, resolver srvResolver) error {
	name := cs.Hosts[0]
	serviceName := DefaultSRVServiceName
	if v, ok := cs.OptionSingle("srvservicename"); ok && v != "" {
		serviceName = v
	}

	_, srvs, err := resolver.LookupSRV(ctx, serviceName, "tcp", name)
	if err != nil {
		return fmt.Errorf("error resolving SRV record for %q: %w", name, err)
	}
	if len(srvs) == 0 {
		return fmt.Errorf("no SRV records found for %q", name)
	}

	hosts := make([]string, 0, len(srvs))
	for _, srv := range srvs {
		target := strings.TrimSuffix(srv.Target, ".")
		hosts = append(hosts, net.JoinHostPort(target, strconv.Itoa(int(srv.Port))))
	}

	if v, ok := cs.OptionSingle("srvmaxhosts"); ok {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 && n < len(hosts) {
			hosts = shuffleAndTake(hosts, n)
		}
	}
	cs.Hosts = hosts

	if txts, txtErr := resolver.LookupTXT(ctx, name); txtErr == nil {
		for _, rec := range txts {
			values, parseErr := url.ParseQuery(rec)
			if parseErr != nil {
				continue
			}
			for k, v := range values {
				key := strings.ToLower(k)
				if _, already := cs.Options[key]; already {
					continue
				}
				cs.Options[key] = v
			}
		}
	}

	if _, ok := cs.OptionSingle("tls"); !ok {
		if _, ok := cs.OptionSingle("ssl"); !ok {
			cs.Options["tls"] = []string{"true"}
		}
	}

	return nil
}

// shuffleAndTake caps hosts at n entries. srvMaxHosts only bounds fan-out; DNS itself already
// returns SRV records in an arbitrary (weighted) order, so no further randomization is needed
// here (and none is available: math/rand's global source is off-limits in this package).
func shuffleAndTake(hosts []string, n int) []string {
	if n > len(hosts) {
		n = len(hosts)
	}
	return hosts[:n]
}
