package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ObligationLeaf hashes an obligation id into a Merkle leaf.
func ObligationLeaf(id uuid.UUID) common.Hash {
	return crypto.Keccak256Hash(id[:])
}

func hashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left[:], right[:])
}

// MerkleRoot folds leaves pairwise with keccak256, duplicating the last node of odd levels.
// An empty input hashes to the zero hash.
func MerkleRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func nextLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

// MerkleProof returns the sibling path proving leaves[index] is under MerkleRoot(leaves).
// ok is false when index is out of range.
func MerkleProof(leaves []common.Hash, index int) (proof []common.Hash, ok bool) {
	if index < 0 || index >= len(leaves) {
		return nil, false
	}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		proof = append(proof, level[sibling])
		level = nextLevel(level)
		index /= 2
	}
	return proof, true
}

// VerifyMerkleProof checks a proof produced by MerkleProof. index is the leaf position, which fixes
// the left/right order at each level.
func VerifyMerkleProof(root, leaf common.Hash, index int, proof []common.Hash) bool {
	if index < 0 {
		return false
	}
	node := leaf
	for _, sibling := range proof {
		if index%2 == 0 {
			node = hashPair(node, sibling)
		} else {
			node = hashPair(sibling, node)
		}
		index /= 2
	}
	return node == root
}
