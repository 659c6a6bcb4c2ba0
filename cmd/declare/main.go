// Command declare ensures the session account contract class is declared
// on the target chain.
//
// Environment:
//
//	STARKNET_DEPLOYER_ADDRESS              deployer account address (required)
//	STARKNET_DEPLOYER_PRIVATE_KEY          deployer private key (required)
//	STARKNET_RPC_URL                       node endpoint (default: Sepolia public)
//	UPSTREAM_SESSION_ACCOUNT_PATH          path to the compiled contract class (required)
//	EXPECTED_SESSION_ACCOUNT_CLASS_HASH    expected class hash (optional)
//
// Exit status: 0 when the class is declared or was already declared;
// non-zero on a class-hash mismatch or any transport failure.
package main

import (
	"context"
	"encoding/json"
	"math/big"
	"os"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/starkclaw/session-core/internal/config"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/logging"
	"github.com/starkclaw/session-core/internal/signer"
	"github.com/starkclaw/session-core/internal/starkrpc"
)

var feltModulus = new(big.Int).Lsh(big.NewInt(1), 252)

func main() {
	logger := logging.New("info", "text")
	_ = godotenv.Load()

	deployerAddressHex := os.Getenv("STARKNET_DEPLOYER_ADDRESS")
	deployerKeyHex := os.Getenv("STARKNET_DEPLOYER_PRIVATE_KEY")
	artifactPath := os.Getenv("UPSTREAM_SESSION_ACCOUNT_PATH")
	if deployerAddressHex == "" || deployerKeyHex == "" || artifactPath == "" {
		logger.Error("STARKNET_DEPLOYER_ADDRESS, STARKNET_DEPLOYER_PRIVATE_KEY, and UPSTREAM_SESSION_ACCOUNT_PATH are required")
		os.Exit(1)
	}
	rpcURL := os.Getenv("STARKNET_RPC_URL")
	if rpcURL == "" {
		rpcURL = config.DefaultRPCURL
	}

	deployerAddress, err := felt.FromHex(deployerAddressHex)
	if err != nil {
		logger.Error("STARKNET_DEPLOYER_ADDRESS is not a valid felt", "error", err)
		os.Exit(1)
	}
	deployerKey, err := felt.FromHex(deployerKeyHex)
	if err != nil {
		logger.Error("STARKNET_DEPLOYER_PRIVATE_KEY is not a valid felt", "error", err)
		os.Exit(1)
	}

	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		logger.Error("failed to read contract class artifact", "path", artifactPath, "error", err)
		os.Exit(1)
	}
	if !json.Valid(artifact) {
		logger.Error("contract class artifact is not valid JSON", "path", artifactPath)
		os.Exit(1)
	}

	classHash := classHashOf(artifact)
	logger.Info("computed class hash", "class_hash", classHash.Hex())

	if expected := os.Getenv("EXPECTED_SESSION_ACCOUNT_CLASS_HASH"); expected != "" {
		want, err := felt.FromHex(expected)
		if err != nil {
			logger.Error("EXPECTED_SESSION_ACCOUNT_CLASS_HASH is not a valid felt", "error", err)
			os.Exit(1)
		}
		if want.Cmp(classHash) != 0 {
			logger.Error("class hash mismatch",
				"expected", want.Hex(),
				"computed", classHash.Hex(),
			)
			os.Exit(2)
		}
	}

	ctx := context.Background()
	client := starkrpc.NewClient(rpcURL, starkrpc.DefaultCallTimeout, starkrpc.DefaultReadTimeout)

	declared, err := client.ClassIsDeclared(ctx, classHash)
	if err != nil {
		logger.Error("failed to query class declaration status", "error", err)
		os.Exit(1)
	}
	if declared {
		logger.Info("class already declared", "class_hash", classHash.Hex())
		os.Exit(0)
	}

	owner, err := signer.NewLocalOwnerSigner(deployerKey)
	if err != nil {
		logger.Error("failed to build deployer signer", "error", err)
		os.Exit(1)
	}

	txHash, err := client.DeclareClass(ctx, deployerAddress, owner, artifact, classHash)
	if err != nil {
		logger.Error("declare transaction failed", "error", err)
		os.Exit(1)
	}
	logger.Info("declare transaction submitted", "tx_hash", txHash.Hex())

	if err := client.WaitForAcceptance(ctx, txHash); err != nil {
		logger.Error("declare transaction did not confirm", "tx_hash", txHash.Hex(), "error", err)
		os.Exit(1)
	}

	logger.Info("class declared", "class_hash", classHash.Hex(), "tx_hash", txHash.Hex())
	os.Exit(0)
}

// classHashOf derives the class hash from the compiled artifact bytes with
// the same Keccak-reduced-mod-2^252 stand-in scheme the rest of this
// module uses wherever a Starknet-native hash would run.
func classHashOf(artifact []byte) felt.Felt {
	hash := gethcrypto.Keccak256(artifact)
	v, _ := felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
	return v
}

