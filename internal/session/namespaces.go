package session

import (
	"regexp"
	"slices"
	"strings"
)

var (
	namespaceKeyPattern = regexp.MustCompile(`^[a-z0-9]+$`)
	chainIDPattern      = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-_a-zA-Z0-9]{1,32}$`)
	accountPattern      = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-_a-zA-Z0-9]{1,32}:[-.%a-zA-Z0-9]{1,128}$`)
)

// ProposalNamespace is what a proposer asks for under one namespace key.
type ProposalNamespace struct {
	Chains  []string `json:"chains,omitempty"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Namespace is what a responder grants: the proposal shape plus accounts.
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

func IsValidChainID(chainID string) bool {
	return chainIDPattern.MatchString(chainID)
}

func IsValidAccount(account string) bool {
	return accountPattern.MatchString(account)
}

// ChainOfAccount drops the address from a CAIP-10 account.
func ChainOfAccount(account string) string {
	idx := strings.LastIndex(account, ":")
	if idx < 0 {
		return ""
	}
	return account[:idx]
}

// namespaceOf returns the CAIP-2 namespace of key, which is either a bare
// namespace ("eip155") or a chain id used as key ("eip155:1").
func namespaceOf(key string) string {
	ns, _, _ := strings.Cut(key, ":")
	return ns
}

func validateKeyAndChains(key string, chains []string) *ValidationError {
	if strings.Contains(key, ":") {
		if !IsValidChainID(key) {
			return NewValidationError(KindUnsupportedNamespaceKey, key)
		}
		// A chain-keyed namespace may only name itself.
		for _, c := range chains {
			if c != key {
				return NewValidationError(KindUnsupportedChains, c)
			}
		}
		return nil
	}
	if !namespaceKeyPattern.MatchString(key) {
		return NewValidationError(KindUnsupportedNamespaceKey, key)
	}
	if len(chains) == 0 {
		return NewValidationError(KindUnsupportedChains, "no chains for "+key)
	}
	for _, c := range chains {
		if !IsValidChainID(c) || namespaceOf(c) != key {
			return NewValidationError(KindUnsupportedChains, c)
		}
	}
	return nil
}

// ValidateProposalNamespaces checks required or optional namespaces of a proposal.
// An empty map is valid.
func ValidateProposalNamespaces(ns map[string]ProposalNamespace) error {
	for key, n := range ns {
		if err := validateKeyAndChains(key, n.Chains); err != nil {
			return err
		}
	}
	return nil
}

// ValidateNamespaces checks a granted namespace map on its own.
func ValidateNamespaces(ns map[string]Namespace) error {
	if len(ns) == 0 {
		return NewValidationError(KindEmptyNamespaces, "")
	}
	for key, n := range ns {
		chains := n.Chains
		if strings.Contains(key, ":") && len(chains) == 0 {
			chains = []string{key}
		}
		if err := validateKeyAndChains(key, chains); err != nil {
			return err
		}
		if len(n.Accounts) == 0 {
			return NewValidationError(KindUnsupportedAccounts, "no accounts for "+key)
		}
		for _, acc := range n.Accounts {
			if !IsValidAccount(acc) || !slices.Contains(chains, ChainOfAccount(acc)) {
				return NewValidationError(KindUnsupportedAccounts, acc)
			}
		}
	}
	return nil
}

// ValidateApproval checks that granted covers every chain, method and event required.
func ValidateApproval(required map[string]ProposalNamespace, granted map[string]Namespace) error {
	if err := ValidateNamespaces(granted); err != nil {
		return err
	}
	for key, req := range required {
		g, ok := granted[key]
		if !ok {
			return NewValidationError(KindUnsupportedNamespaceKey, "missing "+key)
		}
		grantedChains := g.Chains
		if len(grantedChains) == 0 && strings.Contains(key, ":") {
			grantedChains = []string{key}
		}
		reqChains := req.Chains
		if len(reqChains) == 0 && strings.Contains(key, ":") {
			reqChains = []string{key}
		}
		for _, c := range reqChains {
			if !slices.Contains(grantedChains, c) {
				return NewValidationError(KindUserRejectedChains, c)
			}
		}
		for _, m := range req.Methods {
			if !slices.Contains(g.Methods, m) {
				return NewValidationError(KindUserRejectedMethods, m)
			}
		}
		for _, e := range req.Events {
			if !slices.Contains(g.Events, e) {
				return NewValidationError(KindUserRejectedEvents, e)
			}
		}
	}
	return nil
}

func ValidateProperties(props map[string]string) error {
	for k, v := range props {
		if strings.TrimSpace(k) == "" || v == "" {
			return NewValidationError(KindInvalidSessionProperties, k)
		}
	}
	return nil
}

// chainNamespaces returns every granted namespace that covers chainID.
func chainNamespaces(ns map[string]Namespace, chainID string) []Namespace {
	out := make([]Namespace, 0, 1)
	for key, n := range ns {
		if key == chainID {
			out = append(out, n)
			continue
		}
		if slices.Contains(n.Chains, chainID) {
			out = append(out, n)
			continue
		}
		for _, acc := range n.Accounts {
			if ChainOfAccount(acc) == chainID {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// AuthorizeMethod gates an inbound or outbound session request.
func AuthorizeMethod(ns map[string]Namespace, chainID, method string) error {
	if !IsValidChainID(chainID) {
		return NewValidationError(KindUnauthorizedTargetChainID, chainID)
	}
	matched := chainNamespaces(ns, chainID)
	if len(matched) == 0 {
		return NewValidationError(KindUnauthorizedTargetChainID, chainID)
	}
	for _, n := range matched {
		if slices.Contains(n.Methods, method) {
			return nil
		}
	}
	return NewValidationError(KindUnauthorizedMethod, method)
}

func AuthorizeEvent(ns map[string]Namespace, chainID, event string) error {
	if !IsValidChainID(chainID) {
		return NewValidationError(KindUnauthorizedTargetChainID, chainID)
	}
	matched := chainNamespaces(ns, chainID)
	if len(matched) == 0 {
		return NewValidationError(KindUnauthorizedTargetChainID, chainID)
	}
	for _, n := range matched {
		if slices.Contains(n.Events, event) {
			return nil
		}
	}
	return NewValidationError(KindUnauthorizedEvent, event)
}

func cloneNamespaces(ns map[string]Namespace) map[string]Namespace {
	out := make(map[string]Namespace, len(ns))
	for k, n := range ns {
		out[k] = Namespace{
			Chains:   slices.Clone(n.Chains),
			Accounts: slices.Clone(n.Accounts),
			Methods:  slices.Clone(n.Methods),
			Events:   slices.Clone(n.Events),
		}
	}
	return out
}
