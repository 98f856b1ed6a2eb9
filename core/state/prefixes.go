package state

import (
	"encoding/binary"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
)

var (
	ledgerKeyBytes            = []byte("treasury/ledger")
	pendingWithdrawalKeyBytes = []byte("treasury/pending-withdrawal")
	positionPrefix            = []byte("treasury/position/")
	deployRequestPrefix       = []byte("treasury/deploy/")
	queueEntryPrefix          = []byte("treasury/queue/")
	escrowPrefix              = []byte("treasury/escrow/")
	managedProgramPrefix      = []byte("treasury/program/")
	balancePrefix             = []byte("balance/")
	kvPrefix                  = []byte("kv/")
)

func prefixed(prefix []byte, suffix ...[]byte) []byte {
	n := len(prefix)
	for _, s := range suffix {
		n += len(s)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, prefix...)
	for _, s := range suffix {
		buf = append(buf, s...)
	}
	return buf
}

func LedgerKey() []byte { return ledgerKeyBytes }

func PendingWithdrawalKey() []byte { return pendingWithdrawalKeyBytes }

func PositionKey(staker crypto.Identity) []byte {
	return prefixed(positionPrefix, staker[:])
}

func DeployRequestKey(id [32]byte) []byte {
	return prefixed(deployRequestPrefix, id[:])
}

// QueueEntryKey encodes the position big-endian so prefix scans return
// entries in queue order.
func QueueEntryKey(position uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], position)
	return prefixed(queueEntryPrefix, buf[:])
}

func EscrowKey(developer crypto.Identity) []byte {
	return prefixed(escrowPrefix, developer[:])
}

func ManagedProgramKey(programID crypto.Identity) []byte {
	return prefixed(managedProgramPrefix, programID[:])
}

func BalanceKey(id crypto.Identity, asset bank.Asset) []byte {
	return prefixed(balancePrefix, []byte(asset.String()), []byte{'/'}, id[:])
}
