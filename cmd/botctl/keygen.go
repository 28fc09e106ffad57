package main

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"Cryptobot-Chain/internal/identity"
)

func (a *app) newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "生成 secp256k1 私钥及其地址",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return a.printJSON(map[string]string{
				"address":     identity.AddressFromKey(key).Hex(),
				"private_key": hexutil.Encode(crypto.FromECDSA(key)),
			})
		},
	}
}
