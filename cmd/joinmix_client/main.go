package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/depools/joinmix/client"
	"github.com/depools/joinmix/client/modules/keystore"
	"github.com/depools/joinmix/common"
	"github.com/depools/joinmix/ledger/inmem"
	"github.com/depools/joinmix/messenger"
	"github.com/depools/joinmix/messenger/file_messenger"
	"github.com/depools/joinmix/messenger/kafka_messenger"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const (
	flagUserName                 = "username"
	flagSenderAddress            = "sender_address"
	flagKeyStoreDBDSN            = "key_store_dbdsn"
	flagMessengerDBDSN           = "messenger_dbdsn"
	flagMessengerFile            = "messenger_file"
	flagMessengerTopic           = "messenger_topic"
	flagKafkaConsumerGroup       = "kafka_consumer_group"
	flagKafkaProducerCredentials = "producer_credentials"
	flagKafkaConsumerCredentials = "consumer_credentials"
	flagKafkaTrustStorePath      = "kafka_truststore_path"
	flagPollingPeriod            = "polling_period"
	flagAmountWei                = "amount_wei"
	flagRecipient                = "recipient"
	flagTimeout                  = "timeout"
)

func init() {
	rootCmd.PersistentFlags().String(flagUserName, "testUser", "Username")
	rootCmd.PersistentFlags().String(flagSenderAddress, "", "Ledger address the deposit is paid from")
	rootCmd.PersistentFlags().String(flagKeyStoreDBDSN, "./joinmix_key_store", "Key Store DBDSN")
	rootCmd.PersistentFlags().String(flagMessengerDBDSN, "", "Kafka broker endpoint; empty means the file messenger")
	rootCmd.PersistentFlags().String(flagMessengerFile, "./joinmix_coordination_log", "Append-only log file path")
	rootCmd.PersistentFlags().String(flagMessengerTopic, "messages", "Messenger Topic (Kafka)")
	rootCmd.PersistentFlags().String(flagKafkaConsumerGroup, "", "Kafka consumer group")
	rootCmd.PersistentFlags().String(flagKafkaProducerCredentials, "producer:producerpass", "Producer credentials for Kafka: username:password")
	rootCmd.PersistentFlags().String(flagKafkaConsumerCredentials, "consumer:consumerpass", "Consumer credentials for Kafka: username:password")
	rootCmd.PersistentFlags().String(flagKafkaTrustStorePath, "certs/ca.pem", "Path to kafka truststore")
	rootCmd.PersistentFlags().Duration(flagPollingPeriod, time.Second, "Coordination log polling period")
	rootCmd.PersistentFlags().Duration(flagTimeout, 30*time.Second, "Per-request timeout")
}

func genKeyPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gen_keys",
		Short: "generates an encryption keypair and prints its mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			userName, err := cmd.Flags().GetString(flagUserName)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			keyStoreDBDSN, err := cmd.Flags().GetString(flagKeyStoreDBDSN)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}

			keyPair, mnemonic, err := keystore.NewKeyPair()
			if err != nil {
				return fmt.Errorf("failed to generate a keypair: %w", err)
			}
			keyStore, err := keystore.NewLevelDBKeyStore(userName, keyStoreDBDSN)
			if err != nil {
				return fmt.Errorf("failed to init key store: %w", err)
			}
			if err = keyStore.PutKeys(userName, keyPair); err != nil {
				return fmt.Errorf("failed to save keypair: %w", err)
			}
			fmt.Printf("keypair generated for user %s and saved to %s\n", userName, keyStoreDBDSN)
			fmt.Printf("recovery mnemonic (write it down):\n%s\n", mnemonic)
			return nil
		},
	}
}

func parseKafkaAuthCredentials(creds string) (*kafka_messenger.KafkaAuthCredentials, error) {
	credsSplited := strings.SplitN(creds, ":", 2)
	if len(credsSplited) == 1 {
		return nil, fmt.Errorf("failed to parse credentials")
	}
	return &kafka_messenger.KafkaAuthCredentials{
		Username: credsSplited[0],
		Password: credsSplited[1],
	}, nil
}

func newMessenger(cmd *cobra.Command) (messenger.Messenger, error) {
	kafkaEndpoint, err := cmd.Flags().GetString(flagMessengerDBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}

	if kafkaEndpoint == "" {
		messengerFile, err := cmd.Flags().GetString(flagMessengerFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration: %v", err)
		}
		return file_messenger.NewFileMessenger(messengerFile)
	}

	topic, err := cmd.Flags().GetString(flagMessengerTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	consumerGroup, err := cmd.Flags().GetString(flagKafkaConsumerGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	trustStorePath, err := cmd.Flags().GetString(flagKafkaTrustStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	tlsConfig, err := kafka_messenger.GetTLSConfig(trustStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls config: %w", err)
	}

	producerCredentialsString, err := cmd.Flags().GetString(flagKafkaProducerCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	producerCreds, err := parseKafkaAuthCredentials(producerCredentialsString)
	if err != nil {
		return nil, err
	}
	consumerCredentialsString, err := cmd.Flags().GetString(flagKafkaConsumerCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	consumerCreds, err := parseKafkaAuthCredentials(consumerCredentialsString)
	if err != nil {
		return nil, err
	}

	return kafka_messenger.NewKafkaMessenger(
		kafkaEndpoint, topic, consumerGroup, tlsConfig,
		producerCreds.Mechanism(), consumerCreds.Mechanism(), 10*time.Second)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	userName, err := cmd.Flags().GetString(flagUserName)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	senderAddress, err := cmd.Flags().GetString(flagSenderAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	if !ethcommon.IsHexAddress(senderAddress) {
		return nil, fmt.Errorf("bad %s value %q", flagSenderAddress, senderAddress)
	}
	keyStoreDBDSN, err := cmd.Flags().GetString(flagKeyStoreDBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	pollingPeriod, err := cmd.Flags().GetDuration(flagPollingPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}

	keyStore, err := keystore.NewLevelDBKeyStore(userName, keyStoreDBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to init key store: %w", err)
	}
	keyPair, err := keyStore.LoadKeys(userName, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load keys, run gen_keys first: %w", err)
	}

	msgr, err := newMessenger(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to init messenger: %w", err)
	}

	return client.NewClient(
		common.NewLogger(userName),
		userName,
		ethcommon.HexToAddress(senderAddress),
		keyPair,
		msgr,
		inmem.NewLedger(0),
		pollingPeriod,
	), nil
}

func startClientCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "starts the client and logs operator broadcasts",
		Run: func(cmd *cobra.Command, args []string) {
			cli, err := newClient(cmd)
			if err != nil {
				log.Fatalf("failed to init client: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs

				log.Println("received signal, stopping the client...")
				cancel()
				_ = cli.Close()
			}()

			go func() {
				for update := range cli.Observe(64) {
					cli.Logger.Log("%s: %s", update.Action, string(update.Payload))
				}
			}()

			cli.Logger.Log("starting to poll the coordination log...")
			if err := cli.Poll(ctx); err != nil {
				log.Fatalf("error while polling the coordination log: %v", err)
			}
			cli.Logger.Log("polling is stopped")
		},
	}
}

func submitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "deposits the amount and submits the encrypted payout metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			amountString, err := cmd.Flags().GetString(flagAmountWei)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			amountWei, ok := new(big.Int).SetString(amountString, 10)
			if !ok || amountWei.Sign() <= 0 {
				return fmt.Errorf("bad %s value %q", flagAmountWei, amountString)
			}

			recipientString, err := cmd.Flags().GetString(flagRecipient)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			if !ethcommon.IsHexAddress(recipientString) {
				return fmt.Errorf("bad %s value %q", flagRecipient, recipientString)
			}

			timeout, err := cmd.Flags().GetDuration(flagTimeout)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}

			cli, err := newClient(cmd)
			if err != nil {
				return fmt.Errorf("failed to init client: %w", err)
			}
			defer cli.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			go func() {
				if err := cli.Poll(ctx); err != nil {
					log.Printf("error while polling the coordination log: %v", err)
				}
			}()

			receipt, err := cli.MakeDeposit(ctx, amountWei)
			if err != nil {
				return fmt.Errorf("failed to make the deposit: %w", err)
			}
			cli.Logger.Log("deposit accepted by the ledger: %s", receipt.TxHash.Hex())

			encryptedRecipient, err := cli.EncryptRecipient(ctx, ethcommon.HexToAddress(recipientString))
			if err != nil {
				return fmt.Errorf("failed to encrypt the recipient: %w", err)
			}

			if err := cli.SubmitDepositMetadata(ctx, amountWei, encryptedRecipient); err != nil {
				return fmt.Errorf("failed to submit deposit metadata: %w", err)
			}
			cli.Logger.Log("deposit metadata accepted by the operator")
			return nil
		},
	}
}

var rootCmd = &cobra.Command{
	Use:   "joinmix_client",
	Short: "pooled payment client daemon",
}

func main() {
	submit := submitCommand()
	submit.Flags().String(flagAmountWei, "", "Deposit amount in wei")
	submit.Flags().String(flagRecipient, "", "Payout recipient address; never leaves this host in the clear")

	rootCmd.AddCommand(
		startClientCommand(),
		genKeyPairCommand(),
		submit,
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute root command: %v", err)
	}
}
