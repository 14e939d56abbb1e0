package cacao

import (
	"strings"
)

var chainNames = map[string]string{
	"eip155": "Ethereum",
	"solana": "Solana",
}

// FormatMessage renders the CAIP-122 (SIWE) text that is actually signed.
func FormatMessage(p Payload, iss string) (string, error) {
	issuer, err := ParseIssuer(iss)
	if err != nil {
		return "", err
	}
	chainName, ok := chainNames[issuer.Namespace]
	if !ok {
		chainName = issuer.Namespace
	}
	statement, err := FullStatement(p.Statement, p.Resources)
	if err != nil {
		return "", err
	}

	lines := []string{
		p.Domain + " wants you to sign in with your " + chainName + " account:",
		issuer.Address,
		"",
	}
	if statement != "" {
		lines = append(lines, statement)
	}
	lines = append(lines,
		"",
		"URI: "+p.Aud,
		"Version: "+p.Version,
		"Chain ID: "+issuer.Reference,
		"Nonce: "+p.Nonce,
		"Issued At: "+p.Iat,
	)
	if p.Exp != "" {
		lines = append(lines, "Expiration Time: "+p.Exp)
	}
	if p.Nbf != "" {
		lines = append(lines, "Not Before: "+p.Nbf)
	}
	if p.RequestID != "" {
		lines = append(lines, "Request ID: "+p.RequestID)
	}
	if len(p.Resources) > 0 {
		lines = append(lines, "Resources:")
		for _, r := range p.Resources {
			lines = append(lines, "- "+r)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// FullStatement appends the human readable ReCap grant to statement, once.
func FullStatement(statement string, resources []string) (string, error) {
	recap, ok, err := RecapFromResources(resources)
	if err != nil || !ok {
		return statement, err
	}
	grant := recap.Statement()
	if grant == "" || strings.Contains(statement, recapStatementPrefix) {
		return statement, nil
	}
	if statement == "" {
		return grant, nil
	}
	return statement + " " + grant, nil
}
