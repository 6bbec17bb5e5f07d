// Copyright 2025 The usbsigner Authors
// This file is part of the usbsigner library.
//
// The usbsigner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The usbsigner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the usbsigner library. If not, see <http://www.gnu.org/licenses/>.

// usbsigner is a command line utility for signing transactions and messages
// with a USB hardware wallet.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/urfave/cli/v2"

	"github.com/usbsigner/usbsigner/ledger"
	"github.com/usbsigner/usbsigner/usb"
	"github.com/usbsigner/usbsigner/usbwallet"
)

var (
	pathFlag = &cli.StringFlag{
		Name:  "path",
		Usage: "Derivation path of the signing account",
		Value: "m/44'/60'/0'/0/0",
	}
	chainIDFlag = &cli.Int64Flag{
		Name:  "chainid",
		Usage: "Chain ID for EIP-155 replay protection (0 for pre-EIP-155 signing)",
		Value: 1,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

var app = &cli.App{
	Name:  "usbsigner",
	Usage: "sign transactions and messages with a USB hardware wallet",
	Flags: []cli.Flag{verbosityFlag},
	Before: func(ctx *cli.Context) error {
		handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
		log.SetDefault(log.NewLogger(handler))
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:   "version",
			Usage:  "Print the wallet application version running on the device",
			Action: printVersion,
		},
		{
			Name:   "address",
			Usage:  "Derive and print the address on the given path",
			Flags:  []cli.Flag{pathFlag},
			Action: printAddress,
		},
		{
			Name:      "sign-message",
			Usage:     "Sign a personal message (raw string or 0x-prefixed hex)",
			ArgsUsage: "<message>",
			Flags:     []cli.Flag{pathFlag},
			Action:    signMessage,
		},
		{
			Name:      "sign-tx",
			Usage:     "Sign a raw, unsigned transaction encoding (0x-prefixed hex)",
			ArgsUsage: "<rawtx>",
			Flags:     []cli.Flag{pathFlag, chainIDFlag},
			Action:    signTransaction,
		},
		{
			Name:      "sign-typed",
			Usage:     "Sign EIP-712 typed data from a JSON file",
			ArgsUsage: "<file>",
			Flags:     []cli.Flag{pathFlag},
			Action:    signTypedData,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is shared by every signer the process creates, so only the first
// command run opens the transport.
var session = usbwallet.NewSession(func() (usbwallet.DeviceAPI, error) {
	device, err := usb.OpenLedger()
	if err != nil {
		return nil, err
	}
	return ledger.NewDriver(device, log.Root()), nil
})

func newSigner(ctx *cli.Context) (*usbwallet.Signer, error) {
	return usbwallet.NewSigner(session, ctx.String(pathFlag.Name))
}

func printVersion(ctx *cli.Context) error {
	if _, err := session.Acquire(ctx.Context); err != nil {
		return err
	}
	config, _ := session.Config()
	fmt.Println(config)
	return nil
}

func printAddress(ctx *cli.Context) error {
	signer, err := newSigner(ctx)
	if err != nil {
		return err
	}
	account, err := signer.Address(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Println(account.Address.Hex())
	return nil
}

func signMessage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one message argument")
	}
	message := []byte(ctx.Args().First())
	if decoded, err := hexutil.Decode(ctx.Args().First()); err == nil {
		message = decoded
	}
	signer, err := newSigner(ctx)
	if err != nil {
		return err
	}
	sig, err := signer.SignPersonalMessage(ctx.Context, message)
	if err != nil {
		return err
	}
	return printJSON(sig)
}

func signTransaction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one transaction argument")
	}
	rawTx, err := hexutil.Decode(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid transaction hex: %w", err)
	}
	var chainID *big.Int
	if id := ctx.Int64(chainIDFlag.Name); id != 0 {
		chainID = big.NewInt(id)
	}
	signer, err := newSigner(ctx)
	if err != nil {
		return err
	}
	sig, err := signer.SignTransaction(ctx.Context, rawTx, chainID)
	if err != nil {
		return err
	}
	return printJSON(sig)
}

func signTypedData(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one file argument")
	}
	blob, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	var data apitypes.TypedData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("invalid typed data: %w", err)
	}
	signer, err := newSigner(ctx)
	if err != nil {
		return err
	}
	sig, err := signer.SignTypedData(ctx.Context, data)
	if err != nil {
		return err
	}
	return printJSON(sig)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
