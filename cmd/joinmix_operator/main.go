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

	"github.com/depools/joinmix/common"
	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/enclave/local"
	"github.com/depools/joinmix/ledger/inmem"
	"github.com/depools/joinmix/messenger"
	"github.com/depools/joinmix/messenger/file_messenger"
	"github.com/depools/joinmix/messenger/kafka_messenger"
	"github.com/depools/joinmix/operator"
	"github.com/depools/joinmix/operator/api/http_api"
	"github.com/depools/joinmix/operator/config"
	"github.com/depools/joinmix/operator/modules/state"
	"github.com/depools/joinmix/operator/repositories/bundle"
	"github.com/depools/joinmix/operator/repositories/deposit"
	"github.com/depools/joinmix/operator/services/deal"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const flagConfig = "config"

func init() {
	rootCmd.PersistentFlags().String(flagConfig, "operator_config.yaml", "path to the operator config file")
}

func readConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("JOINMIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("threshold", 3)
	v.SetDefault("canonical_amount_wei", "10000000000000000000")
	v.SetDefault("gas_budget", 1000000)
	v.SetDefault("price_per_unit_wei", "1")
	v.SetDefault("enclave_seed", "joinmix_dev_enclave_seed")
	v.SetDefault("ledger_inclusion_delay", "100ms")
	v.SetDefault("state_dbdsn", "./joinmix_operator_state")
	v.SetDefault("messenger_file", "./joinmix_coordination_log")
	v.SetDefault("http_api_config.host", "localhost")
	v.SetDefault("http_api_config.port", 8080)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

func parseWei(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("bad %s value %q", field, value)
	}
	return amount, nil
}

func newMessenger(cfg *config.Config) (messenger.Messenger, error) {
	if cfg.KafkaMessengerConfig == nil {
		return file_messenger.NewFileMessenger(cfg.MessengerFile)
	}

	kafkaCfg := cfg.KafkaMessengerConfig
	tlsConfig, err := kafka_messenger.GetTLSConfig(kafkaCfg.TrustStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls config: %w", err)
	}

	producerCreds, err := parseKafkaAuthCredentials(kafkaCfg.ProducerCredentials)
	if err != nil {
		return nil, err
	}
	consumerCreds, err := parseKafkaAuthCredentials(kafkaCfg.ConsumerCredentials)
	if err != nil {
		return nil, err
	}

	timeout := kafkaCfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return kafka_messenger.NewKafkaMessenger(
		kafkaCfg.DBDSN,
		kafkaCfg.Topic,
		kafkaCfg.ConsumerGroup,
		tlsConfig,
		producerCreds.Mechanism(),
		consumerCreds.Mechanism(),
		timeout,
	)
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

func startOperatorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "starts the deal coordinator",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := readConfig(cmd)
			if err != nil {
				log.Fatalf("failed to read configuration: %v", err)
			}

			if !ethcommon.IsHexAddress(cfg.OperatorAddress) {
				log.Fatalf("bad operator_address %q", cfg.OperatorAddress)
			}

			canonicalAmountWei, err := parseWei("canonical_amount_wei", cfg.CanonicalAmountWei)
			if err != nil {
				log.Fatal(err.Error())
			}
			pricePerUnitWei, err := parseWei("price_per_unit_wei", cfg.PricePerUnitWei)
			if err != nil {
				log.Fatal(err.Error())
			}

			ctx, cancel := context.WithCancel(context.Background())

			stateDb, err := state.NewLevelDBState(cfg.StateDBDSN, "operator")
			if err != nil {
				log.Fatalf("failed to init operator state: %v", err)
			}

			depositRepo, err := deposit.NewDepositRepo(stateDb, "operator")
			if err != nil {
				log.Fatalf("failed to init deposit repo: %v", err)
			}
			bundleRepo, err := bundle.NewBundleRepo(stateDb, "operator")
			if err != nil {
				log.Fatalf("failed to init bundle repo: %v", err)
			}

			ldgr := inmem.NewLedger(cfg.LedgerInclusionDelay)
			encl, err := local.NewEnclave([]byte(cfg.EnclaveSeed))
			if err != nil {
				log.Fatalf("failed to init enclave: %v", err)
			}

			dealService, err := deal.NewDealService(
				ethcommon.HexToAddress(cfg.OperatorAddress),
				cfg.Threshold,
				enclave.Limits{GasBudget: cfg.GasBudget, PricePerUnitWei: pricePerUnitWei},
				depositRepo,
				bundleRepo,
				ldgr,
				encl,
			)
			if err != nil {
				log.Fatalf("failed to init deal service: %v", err)
			}

			msgr, err := newMessenger(cfg)
			if err != nil {
				log.Fatalf("failed to init messenger: %v", err)
			}

			op := operator.NewOperator(common.NewLogger("operator"), msgr, stateDb, dealService, encl, canonicalAmountWei)

			if err := dealService.ResyncBuckets(ctx); err != nil {
				log.Fatalf("failed to resync deal buckets: %v", err)
			}
			if err := op.AnnounceParams(ctx); err != nil {
				log.Fatalf("failed to announce session parameters: %v", err)
			}

			var apiProvider http_api.RESTApiProvider
			if err := apiProvider.NewServer(cfg, dealService, encl, canonicalAmountWei); err != nil {
				log.Fatalf("failed to init the REST API server: %v", err)
			}
			go func() {
				if err := apiProvider.Start(); err != nil {
					op.Logger.Log("REST API server stopped: %v", err)
				}
			}()

			go func() {
				for fault := range op.Faults() {
					op.Logger.Log("deal flow fault, bucket %s: %v", fault.AmountWei, fault.Err)
				}
			}()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs

				log.Println("received signal, stopping the operator...")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := apiProvider.Stop(shutdownCtx); err != nil {
					log.Printf("failed to stop the REST API server: %v", err)
				}
				if err := msgr.Close(); err != nil {
					log.Printf("failed to close the messenger: %v", err)
				}
			}()

			op.Logger.Log("starting to poll requests from the coordination log...")
			if err := op.Poll(ctx); err != nil {
				log.Fatalf("error while polling the coordination log: %v", err)
			}
			op.Logger.Log("polling is stopped")
		},
	}
}

var rootCmd = &cobra.Command{
	Use:   "joinmix_operator",
	Short: "pooled payment deal coordinator daemon",
}

func main() {
	rootCmd.AddCommand(
		startOperatorCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute root command: %v", err)
	}
}
