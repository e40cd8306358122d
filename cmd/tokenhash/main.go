// tokenhash готовит секреты для .env:
//
//	tokenhash                 - новый токен оператора и его bcrypt хеш (OPERATOR_TOKEN_HASH)
//	tokenhash -token T        - хеш для существующего токена
//	tokenhash -key            - новый ключ ENCRYPTION_KEY
//	tokenhash -encrypt S -k K - зашифровать API секрет площадки (*_API_SECRET_ENC)
package main

import (
	"flag"
	"fmt"
	"os"

	"crossarb/pkg/crypto"
)

func main() {
	token := flag.String("token", "", "токен оператора; пусто = сгенерировать")
	cost := flag.Int("cost", crypto.DefaultCost, "bcrypt cost")
	genKey := flag.Bool("key", false, "сгенерировать ключ шифрования")
	secret := flag.String("encrypt", "", "API секрет для шифрования")
	key := flag.String("k", os.Getenv("ENCRYPTION_KEY"), "ключ шифрования (по умолчанию ENCRYPTION_KEY)")
	flag.Parse()

	if err := run(*token, *cost, *genKey, *secret, *key); err != nil {
		fmt.Fprintln(os.Stderr, "tokenhash:", err)
		os.Exit(1)
	}
}

func run(token string, cost int, genKey bool, secret, key string) error {
	switch {
	case genKey:
		k, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("ENCRYPTION_KEY=%s\n", k)
		return nil

	case secret != "":
		raw, err := crypto.ParseKey(key)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		enc, err := crypto.EncryptSecret(secret, raw)
		if err != nil {
			return err
		}
		fmt.Println(enc)
		return nil
	}

	if token == "" {
		t, err := crypto.GenerateToken()
		if err != nil {
			return err
		}
		token = t
		fmt.Printf("token: %s\n", token)
	}

	hash, err := crypto.HashToken(token, cost)
	if err != nil {
		return err
	}
	fmt.Printf("OPERATOR_TOKEN_HASH=%s\n", hash)
	return nil
}
