package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/tokenexchange/pkg/crypto"
	"github.com/uhyunpark/tokenexchange/pkg/util"
)

var errUnauthorized = errors.New("unauthorized")

// authenticator checks that a request was signed by the account it acts for.
// Nonces live in memory: after a restart only deadlines bound replays.
type authenticator struct {
	signer *crypto.EIP712Signer
	clock  util.Clock

	mu     sync.Mutex
	nonces map[common.Address]uint64 // last accepted nonce
}

func newAuthenticator(domain crypto.EIP712Domain, clock util.Clock) *authenticator {
	return &authenticator{
		signer: crypto.NewEIP712Signer(domain),
		clock:  clock,
		nonces: make(map[common.Address]uint64),
	}
}

// verify checks the signature and consumes the nonce
func (a *authenticator) verify(action crypto.Action, auth Auth) error {
	if auth.Signature == "" {
		return fmt.Errorf("%w: missing signature", errUnauthorized)
	}
	if auth.Deadline <= 0 || a.clock.Now().Unix() > auth.Deadline {
		return fmt.Errorf("%w: deadline %d has passed", errUnauthorized, auth.Deadline)
	}
	sig, err := hexutil.Decode(auth.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", errUnauthorized, err)
	}

	action.Nonce, action.Deadline = auth.Nonce, auth.Deadline
	signer, err := a.signer.RecoverActionSigner(&action, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if signer != action.Account {
		return fmt.Errorf("%w: signed by %s, not %s", errUnauthorized, signer.Hex(), action.Account.Hex())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if last := a.nonces[action.Account]; auth.Nonce <= last {
		return fmt.Errorf("%w: nonce %d not above %d", errUnauthorized, auth.Nonce, last)
	}
	a.nonces[action.Account] = auth.Nonce
	return nil
}

// authorize writes a 401 and returns false when signature checks are
// enabled and the request fails them
func (s *Server) authorize(w http.ResponseWriter, action crypto.Action, auth Auth) bool {
	if s.auth == nil {
		return true
	}
	if err := s.auth.verify(action, auth); err != nil {
		s.log.Debugw("request_unauthorized", "action", action.Action, "account", action.Account.Hex(), "err", err)
		respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return false
	}
	return true
}
