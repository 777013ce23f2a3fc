package contract

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

// The notary protocol exchanges agreements as tag-based documents; the field
// set below is the interoperable surface (party name, owner id, agent name,
// opening/closing numbers, account id, instrument-definition id).

type xmlAgent struct {
	Name       string `xml:"name,attr"`
	Type       string `xml:"type,attr"`
	Represents string `xml:"represents,attr"`
	NymID      string `xml:"nymID,attr,omitempty"`
	EntityID   string `xml:"entityID,attr,omitempty"`
	RoleID     string `xml:"roleID,attr,omitempty"`
	GroupName  string `xml:"groupName,attr,omitempty"`
}

type xmlPartyAccount struct {
	Name       string `xml:"name,attr"`
	AgentName  string `xml:"agentName,attr"`
	AccountID  string `xml:"accountID,attr,omitempty"`
	UnitID     string `xml:"instrumentDefinitionID,attr,omitempty"`
	ClosingNum int64  `xml:"closingTransNum,attr,omitempty"`
}

type xmlParty struct {
	Name             string            `xml:"name,attr"`
	OwnerType        string            `xml:"ownerType,attr"`
	OwnerID          string            `xml:"ownerID,attr,omitempty"`
	AuthorizingAgent string            `xml:"authorizingAgent,attr"`
	OpeningNum       int64             `xml:"openingTransNum,attr,omitempty"`
	Agents           []xmlAgent        `xml:"agent"`
	Accounts         []xmlPartyAccount `xml:"assetAccount"`
	SignedCopy       string            `xml:"mySignedCopy,omitempty"`
}

type xmlClause struct {
	Name   string `xml:"name,attr"`
	Source string `xml:",chardata"`
}

type xmlVariable struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
	Value  string `xml:"value,attr,omitempty"`
}

type xmlHook struct {
	Name   string `xml:"name,attr"`
	Clause string `xml:"clause,attr"`
}

type xmlCallback struct {
	Name   string `xml:"name,attr"`
	Clause string `xml:"clause,attr"`
}

type xmlBylaw struct {
	Name      string        `xml:"name,attr"`
	Language  string        `xml:"language,attr"`
	Clauses   []xmlClause   `xml:"clause"`
	Variables []xmlVariable `xml:"variable"`
	Hooks     []xmlHook     `xml:"hook"`
	Callbacks []xmlCallback `xml:"callback"`
}

type xmlSignature struct {
	Nym   string `xml:"nym,attr"`
	Value string `xml:",chardata"`
}

type xmlSmartContract struct {
	XMLName    xml.Name       `xml:"smartContract"`
	Server     string         `xml:"serverID,attr,omitempty"`
	ValidFrom  int64          `xml:"validFrom,attr,omitempty"`
	ValidTo    int64          `xml:"validTo,attr,omitempty"`
	Parties    []xmlParty     `xml:"party"`
	Bylaws     []xmlBylaw     `xml:"bylaw"`
	Signatures []xmlSignature `xml:"signature"`
}

// document flattens a contract into its serializable form. Map iteration is
// replaced by sorted-name order so the output is deterministic, which the
// signature scheme depends on.
func (sc *SmartContract) document() *xmlSmartContract {
	doc := &xmlSmartContract{
		ValidFrom: sc.validFrom,
		ValidTo:   sc.validTo,
	}
	if !sc.server.IsZero() {
		doc.Server = sc.server.String()
	}

	for _, partyName := range sc.PartyNames() {
		party := sc.parties[partyName]

		ownerType := "entity"
		if party.OwnerIsNym() {
			ownerType = "nym"
		}

		xp := xmlParty{
			Name:             party.Name(),
			OwnerType:        ownerType,
			OwnerID:          idAttr(party.OwnerID()),
			AuthorizingAgent: party.AuthorizingAgentName(),
			OpeningNum:       int64(party.OpeningNumber()),
			SignedCopy:       party.SignedCopy(),
		}

		for _, agentName := range party.AgentNames() {
			agent := party.agents[agentName]

			agentType, represents := "group", "entity"
			if agent.IsAnIndividual() {
				agentType = "individual"
			}
			if agent.DoesRepresentHimself() {
				represents = "self"
			}

			xp.Agents = append(xp.Agents, xmlAgent{
				Name:       agent.Name(),
				Type:       agentType,
				Represents: represents,
				NymID:      idAttr(otxtypes.ID(agent.NymID())),
				EntityID:   idAttr(agent.EntityID()),
				RoleID:     idAttr(agent.RoleID()),
				GroupName:  agent.GroupName(),
			})
		}

		for _, accountName := range party.AccountNames() {
			account := party.accounts[accountName]

			xp.Accounts = append(xp.Accounts, xmlPartyAccount{
				Name:      account.Name(),
				AgentName: account.AgentName(),
				AccountID: idAttr(
					otxtypes.ID(account.AccountID()),
				),
				UnitID: idAttr(
					otxtypes.ID(account.UnitID()),
				),
				ClosingNum: int64(account.ClosingNumber()),
			})
		}

		doc.Parties = append(doc.Parties, xp)
	}

	for _, bylawName := range sc.BylawNames() {
		bylaw := sc.bylaws[bylawName]

		xb := xmlBylaw{
			Name:     bylaw.Name(),
			Language: bylaw.Language(),
		}

		for _, clauseName := range bylaw.ClauseNames() {
			xb.Clauses = append(xb.Clauses, xmlClause{
				Name:   clauseName,
				Source: bylaw.clauses[clauseName],
			})
		}
		for _, varName := range bylaw.VariableNames() {
			variable := bylaw.variables[varName]
			xb.Variables = append(xb.Variables, xmlVariable{
				Name:   variable.Name,
				Type:   variable.Type.String(),
				Access: variable.Access.String(),
				Value:  variable.Value,
			})
		}
		for _, hookName := range bylaw.HookNames() {
			for _, clause := range bylaw.hooks[hookName] {
				xb.Hooks = append(xb.Hooks, xmlHook{
					Name:   hookName,
					Clause: clause,
				})
			}
		}
		for _, callbackName := range bylaw.CallbackNames() {
			xb.Callbacks = append(xb.Callbacks, xmlCallback{
				Name:   callbackName,
				Clause: bylaw.callbacks[callbackName],
			})
		}

		doc.Bylaws = append(doc.Bylaws, xb)
	}

	return doc
}

// Serialize renders the contract, without signatures, as its canonical
// document text.
func (sc *SmartContract) Serialize() (string, error) {
	return renderDocument(sc.document())
}

// SerializeSigned renders the contract and appends the signer's signature
// over the canonical (unsigned) text.
func (sc *SmartContract) SerializeSigned(signer *nym.Nym) (string, error) {
	body, err := sc.Serialize()
	if err != nil {
		return "", err
	}

	sig, err := signer.Sign([]byte(body))
	if err != nil {
		return "", fmt.Errorf("signing contract: %w", err)
	}

	doc := sc.document()
	doc.Signatures = append(doc.Signatures, xmlSignature{
		Nym:   signer.ID().String(),
		Value: base64.StdEncoding.EncodeToString(sig),
	})

	return renderDocument(doc)
}

// renderDocument marshals a contract document with stable indentation.
func renderDocument(doc *xmlSmartContract) (string, error) {
	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", " ")
	if err := encoder.Encode(doc); err != nil {
		return "", fmt.Errorf("encoding contract: %w", err)
	}

	return buf.String(), nil
}

// Parse rebuilds a contract from its document text. Signatures present in
// the text are retained for VerifySignature but do not affect structure.
func Parse(text string) (*SmartContract, error) {
	var doc xmlSmartContract
	err := xml.Unmarshal([]byte(text), &doc)
	if err != nil {
		return nil, fmt.Errorf("decoding contract: %w", err)
	}

	sc := NewSmartContract(otxtypes.ServerID{})
	sc.validFrom = doc.ValidFrom
	sc.validTo = doc.ValidTo
	if doc.Server != "" {
		server, err := otxtypes.MakeServerIDFromStr(doc.Server)
		if err != nil {
			return nil, fmt.Errorf("bad server ID: %w", err)
		}
		sc.server = server
	}
	sc.signatures = doc.Signatures

	for _, xp := range doc.Parties {
		ownerID, err := parseIDAttr(xp.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("party %q owner: %w", xp.Name,
				err)
		}

		party := NewParty(
			xp.Name, xp.OwnerType == "nym", ownerID,
			xp.AuthorizingAgent,
		)
		party.openingNum = otxtypes.TransNum(xp.OpeningNum)
		party.signedCopy = xp.SignedCopy

		for _, xa := range xp.Agents {
			agent, err := parseAgent(xa)
			if err != nil {
				return nil, fmt.Errorf("party %q: %w",
					xp.Name, err)
			}
			if err := party.AddAgent(agent); err != nil {
				return nil, err
			}
		}

		for _, xa := range xp.Accounts {
			accountID, err := parseIDAttr(xa.AccountID)
			if err != nil {
				return nil, fmt.Errorf("account %q: %w",
					xa.Name, err)
			}
			unitID, err := parseIDAttr(xa.UnitID)
			if err != nil {
				return nil, fmt.Errorf("account %q: %w",
					xa.Name, err)
			}

			account := NewPartyAccount(
				xa.Name, xa.AgentName,
				otxtypes.AccountID(accountID),
				otxtypes.UnitID(unitID),
			)
			account.closingNum = otxtypes.TransNum(xa.ClosingNum)

			if err := party.AddAccount(account); err != nil {
				return nil, err
			}
		}

		if err := sc.AddParty(party); err != nil {
			return nil, err
		}
	}

	for _, xb := range doc.Bylaws {
		bylaw := NewBylaw(xb.Name, xb.Language)

		for _, xc := range xb.Clauses {
			if err := bylaw.AddClause(xc.Name, xc.Source); err != nil {
				return nil, err
			}
		}
		for _, xv := range xb.Variables {
			variable, err := parseVariable(xv)
			if err != nil {
				return nil, fmt.Errorf("bylaw %q: %w",
					xb.Name, err)
			}
			if err := bylaw.AddVariable(variable); err != nil {
				return nil, err
			}
		}
		for _, xh := range xb.Hooks {
			if err := bylaw.AddHook(xh.Name, xh.Clause); err != nil {
				return nil, err
			}
		}
		for _, xc := range xb.Callbacks {
			err := bylaw.AddCallback(xc.Name, xc.Clause)
			if err != nil {
				return nil, err
			}
		}

		if err := sc.AddBylaw(bylaw); err != nil {
			return nil, err
		}
	}

	return sc, nil
}

// VerifySignature checks that the given identity has signed the contract
// text, i.e. that one of the document's signatures verifies over the
// canonical unsigned rendering.
func VerifySignature(text string, identity *nym.Identity) error {
	sc, err := Parse(text)
	if err != nil {
		return err
	}

	body, err := sc.Serialize()
	if err != nil {
		return err
	}

	wantNym := identity.ID().String()
	for _, sig := range sc.signatures {
		if sig.Nym != wantNym {
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(sig.Value)
		if err != nil {
			return fmt.Errorf("decoding signature: %w", err)
		}

		return identity.VerifySig([]byte(body), raw)
	}

	return fmt.Errorf("no signature by nym %v on contract", wantNym)
}

// parseAgent rebuilds an agent from its document form.
func parseAgent(xa xmlAgent) (*Agent, error) {
	nymID, err := parseIDAttr(xa.NymID)
	if err != nil {
		return nil, fmt.Errorf("agent %q nym: %w", xa.Name, err)
	}
	entityID, err := parseIDAttr(xa.EntityID)
	if err != nil {
		return nil, fmt.Errorf("agent %q entity: %w", xa.Name, err)
	}
	roleID, err := parseIDAttr(xa.RoleID)
	if err != nil {
		return nil, fmt.Errorf("agent %q role: %w", xa.Name, err)
	}

	switch {
	case xa.Type == "group":
		return NewGroupAgent(xa.Name, xa.GroupName, entityID), nil

	case xa.Represents == "self":
		return NewAgentForSelf(xa.Name, otxtypes.NymID(nymID)), nil

	default:
		return NewAgentForEntity(
			xa.Name, otxtypes.NymID(nymID), entityID, roleID,
		), nil
	}
}

// parseVariable rebuilds a variable from its document form.
func parseVariable(xv xmlVariable) (*Variable, error) {
	var varType VarType
	switch xv.Type {
	case "string":
		varType = VarTypeString
	case "integer":
		varType = VarTypeInteger
	case "bool":
		varType = VarTypeBool
	default:
		return nil, fmt.Errorf("unknown variable type %q", xv.Type)
	}

	var access VarAccess
	switch xv.Access {
	case "constant":
		access = VarAccessConstant
	case "persistent":
		access = VarAccessPersistent
	case "important":
		access = VarAccessImportant
	default:
		return nil, fmt.Errorf("unknown variable access %q", xv.Access)
	}

	return &Variable{
		Name:   xv.Name,
		Value:  xv.Value,
		Type:   varType,
		Access: access,
	}, nil
}

// idAttr renders an ID attribute, empty when unset.
func idAttr(id otxtypes.ID) string {
	if id.IsZero() {
		return ""
	}

	return id.String()
}

// parseIDAttr parses an ID attribute, zero when empty.
func parseIDAttr(s string) (otxtypes.ID, error) {
	if s == "" {
		return otxtypes.ID{}, nil
	}

	return otxtypes.MakeIDFromStr(s)
}
